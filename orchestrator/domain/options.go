package domain

import (
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/scusemua/vm-scheduler/common/configuration"
	"github.com/scusemua/vm-scheduler/common/launcher"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/storage"
)

const (
	// DefaultPrometheusPort is the default port on which the scheduler serves Prometheus metrics.
	DefaultPrometheusPort = 8089
)

// SchedulerDaemonOptions are the options of the scheduler daemon. They are read from the command line or from a
// YAML file via config.ValidateOptions.
type SchedulerDaemonOptions struct {
	config.LoggerOptions        `yaml:",inline" json:"logger_options"`
	configuration.CommonOptions `yaml:",inline" json:"common_options"`
	scheduling.SchedulerOptions `yaml:",inline" json:"scheduler_options"`
	storage.StoreOptions        `yaml:",inline" json:"store_options"`
	launcher.LauncherOptions    `yaml:",inline" json:"launcher_options"`
}

// Validate applies the logger options and replaces illegal or missing values of the other options with their
// defaults. It is called by config.ValidateOptions.
func (o *SchedulerDaemonOptions) Validate() error {
	if err := o.LoggerOptions.Validate(); err != nil {
		return err
	}

	o.SchedulerOptions.ValidateSchedulerOptions()
	o.StoreOptions.ValidateStoreOptions()

	return nil
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *SchedulerDaemonOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(o, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (o *SchedulerDaemonOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}

	return string(m)
}
