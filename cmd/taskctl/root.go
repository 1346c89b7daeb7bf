package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/MaxIV-KitsControls/netspot/internal/config"
	"github.com/MaxIV-KitsControls/netspot/internal/logging"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
)

var (
	dbLocation string
	st         store.Store
	redactKeys []string
)

var rootCmd = &cobra.Command{
	Use:           "taskctl",
	Short:         "Inspect the netspot job store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if st != nil {
			return nil
		}
		cfg := config.Load()
		redactKeys = cfg.AuditRedactKeys
		if dbLocation == "" {
			dbLocation = cfg.StoreURL
		}
		log := logrus.NewEntry(logging.New("warn", "text"))
		s, err := store.Open(cmd.Context(), dbLocation, log)
		if err != nil {
			return err
		}
		st = s
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if st == nil {
			return nil
		}
		return st.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbLocation, "db", "", "Job store path or DSN (default $TASK_DATABASE)")
}
