package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// dailyFile is an append-only log file rotated at the first write of each
// new local day. The previous day's file is renamed to "<path>.YYYY-MM-DD".
type dailyFile struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	day  string
	f    *os.File
}

func openDaily(path string, now func() time.Time) (*dailyFile, error) {
	d := &dailyFile{path: path, now: now, day: now().Format(dayLayout)}
	// A file left from an earlier day is rotated on the first write.
	if info, err := os.Stat(path); err == nil {
		d.day = info.ModTime().Format(dayLayout)
	}
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *dailyFile) open() error {
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	d.f = f
	return nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return 0, os.ErrClosed
	}
	if today := d.now().Format(dayLayout); today != d.day {
		if err := d.rotate(today); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

func (d *dailyFile) rotate(today string) error {
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	d.f = nil
	if err := os.Rename(d.path, d.path+"."+d.day); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	d.day = today
	return d.open()
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
