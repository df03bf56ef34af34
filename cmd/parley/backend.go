package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parley/pkg/completion"
	"github.com/go-go-golems/parley/pkg/remote"
	"github.com/go-go-golems/parley/pkg/remote/memory"
	"github.com/go-go-golems/parley/pkg/remote/relay"
	"github.com/go-go-golems/parley/pkg/remote/sqlite"
)

// backend is a remote store together with the function that releases it.
type backend struct {
	store remote.Store
	kind  string
	close func() error
}

// openBackend picks the remote store from --remote, then --db, then falls
// back to an in-process memory store.
func openBackend(allowRelay bool) (*backend, error) {
	if url := viper.GetString("remote"); url != "" {
		if !allowRelay {
			return nil, errors.New("--remote cannot be used here, use --db or the memory store")
		}
		client, err := relay.NewClient(url, relay.WithTimeout(viper.GetDuration("timeout")))
		if err != nil {
			return nil, err
		}
		return &backend{store: client, kind: "relay " + url, close: client.Close}, nil
	}

	if path := viper.GetString("db"); path != "" {
		dsn, err := sqlite.DSNForFile(path)
		if err != nil {
			return nil, err
		}
		s, err := sqlite.NewStore(dsn)
		if err != nil {
			return nil, errors.Wrapf(err, "could not open %s", path)
		}
		return &backend{store: s, kind: "sqlite " + path, close: s.Close}, nil
	}

	log.Warn().Msg("no --db or --remote given, conversations are kept in memory only")
	s := memory.NewStore()
	return &backend{store: s, kind: "memory", close: s.Close}, nil
}

func completionSettings() (*completion.Settings, error) {
	settings := completion.NewSettings()
	if path := viper.GetString("completion-config"); path != "" {
		loaded, err := completion.LoadSettings(path)
		if err != nil {
			return nil, err
		}
		settings = loaded
	}

	if viper.IsSet("engine") {
		settings.Engine = viper.GetString("engine")
	}
	if viper.IsSet("openai-api-key") {
		settings.APIKey = viper.GetString("openai-api-key")
	}
	if viper.IsSet("openai-base-url") {
		settings.BaseURL = viper.GetString("openai-base-url")
	}
	if viper.IsSet("model") {
		settings.Model = viper.GetString("model")
	}
	if viper.IsSet("timeout") {
		settings.Timeout = viper.GetDuration("timeout")
	}
	if viper.IsSet("system-directive") {
		settings.SystemDirective = viper.GetString("system-directive")
	}
	return settings, nil
}
