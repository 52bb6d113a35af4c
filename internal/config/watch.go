package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch calls fn with the reloaded configuration every time the config file
// viper read from is written. Reloads that fail validation are passed to
// onErr (if non-nil) and fn is not called.
//
// Watch does nothing if viper has not read a config file.
func Watch(fn func(*Config), onErr func(error)) {
	WatchFrom(viper.GetViper(), fn, onErr)
}

// WatchFrom is Watch against a specific viper instance.
func WatchFrom(v *viper.Viper, fn func(*Config), onErr func(error)) {
	if v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := LoadFrom(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}
