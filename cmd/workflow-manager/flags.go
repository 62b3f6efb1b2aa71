package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xscopehub/grantflow/internal/config"
)

// loadConfig reads the config file and environment, then applies any flag
// the user actually set.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	applyOverrides(v, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *config.Config) {
	if v.IsSet("manager.cycle_duration") {
		cfg.Manager.CycleDuration = v.GetDuration("manager.cycle_duration")
	}
	if v.IsSet("manager.maximum_batch_count") {
		cfg.Manager.MaximumBatchCount = v.GetInt("manager.maximum_batch_count")
	}
	if v.IsSet("manager.batch_size") {
		cfg.Manager.BatchSize = v.GetInt("manager.batch_size")
	}
	if v.IsSet("queue.driver") {
		cfg.Queue.Driver = v.GetString("queue.driver")
	}
	if v.IsSet("store.driver") {
		cfg.Store.Driver = v.GetString("store.driver")
	}
	if v.IsSet("store.auto_migrate") {
		cfg.Store.AutoMigrate = v.GetBool("store.auto_migrate")
	}
	if v.IsSet("server.address") {
		cfg.Server.Address = v.GetString("server.address")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("workflows.definitions_file") {
		cfg.Workflows.DefinitionsFile = v.GetString("workflows.definitions_file")
	}
}

// bindFlags binds config keys to flag names. Commands bind in PreRunE so
// that flags sharing a key across subcommands resolve to the one invoked.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}
