package session

// Пакет session содержит файловую реализацию tdsession.Storage для MTProto‑сессий.
// Цели:
//   - атомарная запись файла сессии на диск (без частичных состояний);
//   - потокобезопасный доступ при конкурирующих вызовах gotd;
//   - ровно один файл на один логический клиент: и постоянная авторизованная
//     сессия, и временные сессии попыток (code_req_*) пользуются этим типом,
//     различаясь только путём.

import (
	"context"
	"os"
	"sync"

	"teledrive/internal/infra/storage"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// FileStorage реализует tdsession.Storage поверх обычного файла.
// Потокобезопасен: операции Load/Store защищены мьютексом. Поле Path указывает
// путь до файла сессии на диске.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

// Компиляторная проверка соответствия интерфейсу tdsession.Storage.
var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает файл сессии с диска. Отсутствие файла — штатная ситуация
// первой авторизации, транслируется в tdsession.ErrNotFound.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск. gotd вызывает Store
// после каждого обновления авторизационного ключа, поэтому частичная запись
// здесь равна потере авторизации.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}

	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return errors.Wrap(err, "atomic write session")
	}
	return nil
}
