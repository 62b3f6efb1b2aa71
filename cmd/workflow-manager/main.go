package main

import (
	"os"

	daemon "github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	logpkg "github.com/xscopehub/grantflow/pkg/log"
)

var (
	cfgPath    string
	daemonMode bool
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "workflow-manager",
		Short:         "Grants workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "configs/workflow-manager.yaml", "path to config file")
	rootCmd.PersistentFlags().String("store", "", "store driver (memory, postgres)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newRunCmd(v), newMigrateCmd(v), newValidateCmd(v), newEnqueueCmd(v))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logpkg.New("workflow-manager", "info", "text").Error("command failed", "error", err)
		os.Exit(1)
	}
}

// daemonize forks into the background. It returns done=true in the parent,
// which should exit right away.
func daemonize(pidFile string) (release func(), done bool, err error) {
	cntxt := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
	}
	child, err := cntxt.Reborn()
	if err != nil {
		return nil, false, err
	}
	if child != nil {
		return nil, true, nil
	}
	return func() { _ = cntxt.Release() }, false, nil
}
