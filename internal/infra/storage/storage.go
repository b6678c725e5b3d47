// Package storage — утилиты безопасной работы с локальным хранилищем data/.
// Здесь живут примитивы, на которые опирается работа с файлами MTProto‑сессий:
//   - EnsureDir — гарантирует наличие директории для целевого пути;
//   - AtomicWriteFile — атомарная запись без частичных состояний;
//   - PromoteFile — атомарное «повышение» временного файла сессии до постоянного;
//   - RemoveIfExists — идемпотентное удаление.
//
// Частично записанный или наполовину удалённый файл сессии приводит к блокировкам
// и невоспроизводимым ошибкам авторизации, поэтому все операции либо завершаются
// целиком, либо не меняют состояние на диске.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"teledrive/internal/infra/logger"
)

// DefaultFilePerm — права на файлы с чувствительными данными (сессии, базы).
// 0o600 ограничивает доступ владельцем процесса.
const DefaultFilePerm = 0o600

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
// Создание выполняется с правами 0o700.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile атомарно записывает байты в файл path.
//
// Алгоритм: temp в той же директории → write → fsync(temp) → chmod → close →
// rename → fsync(dir). Либо старый файл остаётся цел, либо новый записан
// полностью. os.Rename атомарен только в пределах одного файлового тома,
// поэтому temp создаётся рядом с целевым файлом. fsync каталога — best‑effort.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = tmp.Chmod(DefaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err = os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// fsync каталога повышает надёжность метаданных после rename.
	if dirFile, openErr := os.Open(dir); openErr == nil {
		if syncErr := dirFile.Sync(); syncErr != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", syncErr)
		}
		_ = dirFile.Close()
	}
	return nil
}

// PromoteFile атомарно заменяет dst файлом src (rename в пределах одного тома).
// Используется после успешного входа: временная сессия попытки становится
// постоянной авторизованной сессией. Существующий dst перезаписывается.
func PromoteFile(src, dst string) error {
	if err := EnsureDir(dst); err != nil {
		return err
	}
	if err := os.Rename(filepath.Clean(src), filepath.Clean(dst)); err != nil {
		return fmt.Errorf("promote %s -> %s: %w", src, dst, err)
	}
	return nil
}

// RemoveIfExists удаляет файл, молча пропуская отсутствующий. Возвращает ошибку
// только при реальном сбое файловой системы.
func RemoveIfExists(path string) error {
	if err := os.Remove(filepath.Clean(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
