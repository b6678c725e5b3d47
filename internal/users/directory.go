// Package users — локальная база пользователей TeleDrive и защита от перебора.
// Directory хранит записи в bbolt: одна бакета, ключ — telegram id, значение —
// JSON‑снимок. Для персонального инструмента достаточно одного процесса-писателя;
// bbolt закрывает вопрос конкурентных чтений и атомарности транзакций без
// внешнего сервера БД.
package users

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"teledrive/internal/infra/clock"
	"teledrive/internal/infra/storage"
	"teledrive/internal/telegram/gateway"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// usersBucket — бакета с записями пользователей, ключ big-endian uint64(telegram id).
var usersBucket = []byte("users")

// LocalUser — долговременная запись о пользователе, прошедшем вход через Telegram.
type LocalUser struct {
	ID          uint64    `json:"id"`
	TelegramID  int64     `json:"telegram_id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Phone       string    `json:"phone"`
	AuthMethod  string    `json:"auth_method"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// Directory — bbolt-хранилище пользователей.
type Directory struct {
	db  *bbolt.DB
	now clock.Func
}

// OpenDirectory открывает (или создает) базу пользователей по пути path.
func OpenDirectory(path string) (*Directory, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, storage.DefaultFilePerm, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open users db")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, bErr := tx.CreateBucketIfNotExists(usersBucket)
		return bErr
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init users bucket")
	}
	return &Directory{db: db, now: clock.Now}, nil
}

// Close закрывает базу.
func (d *Directory) Close() error {
	return d.db.Close()
}

// SetClock подменяет источник времени (для тестов).
func (d *Directory) SetClock(now clock.Func) { d.now = now }

// UpsertFromTelegram идемпотентно создает или обновляет запись по telegram id.
// При создании: username по умолчанию user_<id>, auth_method="telegram",
// синтетический email в зоне telegram.local (как в исходной базе TeleDrive).
// При повторном входе обновляются имена, телефон и момент последнего входа.
func (d *Directory) UpsertFromTelegram(tgUser *gateway.User, phone string) (*LocalUser, error) {
	if tgUser == nil || tgUser.ID == 0 {
		return nil, errors.New("telegram user without id")
	}

	var out *LocalUser
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		key := tgKey(tgUser.ID)
		now := d.now()

		var rec LocalUser
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return errors.Wrap(err, "decode user record")
			}
			rec.FirstName = tgUser.FirstName
			rec.LastName = tgUser.LastName
			rec.Phone = phone
			rec.LastLoginAt = now
		} else {
			seq, err := b.NextSequence()
			if err != nil {
				return errors.Wrap(err, "allocate user id")
			}
			username := tgUser.Username
			if username == "" {
				username = fmt.Sprintf("user_%d", tgUser.ID)
			}
			rec = LocalUser{
				ID:          seq,
				TelegramID:  tgUser.ID,
				Username:    username,
				Email:       username + "@telegram.local",
				FirstName:   tgUser.FirstName,
				LastName:    tgUser.LastName,
				Phone:       phone,
				AuthMethod:  "telegram",
				CreatedAt:   now,
				LastLoginAt: now,
			}
		}

		raw, err := json.Marshal(&rec)
		if err != nil {
			return errors.Wrap(err, "encode user record")
		}
		if err := b.Put(key, raw); err != nil {
			return errors.Wrap(err, "store user record")
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ByTelegramID возвращает запись по telegram id или nil, если её нет.
func (d *Directory) ByTelegramID(tgID int64) (*LocalUser, error) {
	var out *LocalUser
	err := d.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(usersBucket).Get(tgKey(tgID))
		if raw == nil {
			return nil
		}
		var rec LocalUser
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errors.Wrap(err, "decode user record")
		}
		out = &rec
		return nil
	})
	return out, err
}

// tgKey кодирует telegram id в восьмибайтовый big-endian ключ бакеты.
func tgKey(id int64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(id))
	return key[:]
}
