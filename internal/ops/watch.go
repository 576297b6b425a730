package ops

import (
	"context"
	"os"
	"time"

	"github.com/yanun0323/logs"
)

// Watch polls path every interval and calls update with the freshly resolved
// config whenever its modification time advances. Invalid files are logged and
// skipped, so the previous config stays in effect.
func Watch(ctx context.Context, path string, interval time.Duration, update func(Loaded)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Errorf("config stat failed, err: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			loaded, err := Load(path)
			if err != nil {
				logs.Errorf("config reload failed, err: %+v", err)
				continue
			}
			update(loaded)
			logs.Infof("config reloaded: %s", path)
		}
	}
}
