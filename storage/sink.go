package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
)

// DiskSink writes received files into a directory and records each delivery.
type DiskSink struct {
	Dir   string
	Store *Store
	// PeerID reports the sender to attribute deliveries to. Optional.
	PeerID func() string
	Logger logrus.FieldLogger
}

// Deliver stores data under a name that does not collide with existing files.
func (d *DiskSink) Deliver(data []byte, name, contentType string) error {
	if err := os.MkdirAll(d.Dir, 0o700); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	file, path, err := createUnique(d.Dir, safeFilename(name))
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	delivery := models.Delivery{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		StoredPath:  path,
	}
	if d.PeerID != nil {
		delivery.PeerID = d.PeerID()
	}
	if d.Store != nil {
		if _, err := d.Store.AddDelivery(delivery); err != nil {
			return err
		}
	}

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"component": "storage",
			"path":      path,
			"size":      len(data),
		}).Info("File saved")
	}
	return nil
}

// safeFilename strips directories so a remote name cannot escape the download dir.
func safeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || base == "" {
		return "file.bin"
	}
	return base
}

// createUnique opens dir/name exclusively, appending " (n)" before the extension on collision.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for attempt := 0; attempt < 10000; attempt++ {
		candidate := name
		if attempt > 0 {
			candidate = stem + " (" + strconv.Itoa(attempt) + ")" + ext
		}
		path := filepath.Join(dir, candidate)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s in %s", name, dir)
}
