// Package config loads the JSON configuration file and supports live
// reloading of the calling section, so ICE servers can be rotated without
// restarting the host application.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

type Config struct {
	Calling   Calling   `json:"calling"`
	Storage   Storage   `json:"storage"`
	Signaling Signaling `json:"signaling"`
}

type Calling struct {
	// ICEServers are STUN/TURN URLs handed to the media engine on proceed.
	ICEServers []string `json:"ice_servers"`

	// ConnectTimeoutSec bounds how long an accepted inbound offer may take
	// to reach the connected state before the call is failed.
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`

	// ScreenGraceSec is how long after connecting the call screen may stay
	// hidden before the presentation watchdog fails the call.
	ScreenGraceSec int `json:"screen_grace_seconds"`

	// MaxOfferAgeSec is the oldest inbound offer the engine will still ring
	// for; older offers resolve as missed calls.
	MaxOfferAgeSec int `json:"max_offer_age_seconds"`

	// LowBandwidth asks the engine for its constrained-data mode.
	LowBandwidth bool `json:"low_bandwidth"`
}

type Storage struct {
	// Dir holds the call record database. Empty means the process
	// working directory.
	Dir string `json:"dir"`
}

type Signaling struct {
	// ServerURL is the websocket signaling server, e.g. wss://host/signal.
	ServerURL string `json:"server_url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Calling: Calling{
			ICEServers:        []string{"stun:stun.l.google.com:19302"},
			ConnectTimeoutSec: 120,
			ScreenGraceSec:    5,
			MaxOfferAgeSec:    120,
		},
		Storage: Storage{Dir: "."},
	}
}

// Load reads path, filling in defaults for absent fields. A missing file
// yields the defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Calling.ConnectTimeoutSec <= 0 {
		cfg.Calling.ConnectTimeoutSec = Default().Calling.ConnectTimeoutSec
	}
	if cfg.Calling.ScreenGraceSec <= 0 {
		cfg.Calling.ScreenGraceSec = Default().Calling.ScreenGraceSec
	}
	if cfg.Calling.MaxOfferAgeSec <= 0 {
		cfg.Calling.MaxOfferAgeSec = Default().Calling.MaxOfferAgeSec
	}
	if len(cfg.Calling.ICEServers) == 0 {
		cfg.Calling.ICEServers = Default().Calling.ICEServers
	}
	return cfg, nil
}

// Watch re-loads path whenever it changes and invokes onChange with the new
// config. Returns a stop function. Watching the directory rather than the
// file survives editors that replace the file on save.
func Watch(path string, onChange func(Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warnw("config reload failed", "path", path, "err", err)
					continue
				}
				log.Infow("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnw("config watcher error", "err", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
