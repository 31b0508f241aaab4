package configuration

import (
	"strings"

	"github.com/goccy/go-json"
)

// CommonOptions includes the configuration parameters that concern the daemon rather than scheduling itself.
type CommonOptions struct {
	PrometheusPort int `name:"prometheus_port" json:"prometheus_port" yaml:"prometheus_port" description:"The port on which the scheduler serves Prometheus metrics and the /snapshot endpoint. Set to 0 to disable."`

	// CheckInvariants, when true, verifies the ledger and market invariants after the startup restore.
	CheckInvariants bool `name:"check_invariants" json:"check_invariants" yaml:"check_invariants" description:"If true, verify the ledger and market invariants after restoring state at startup."`

	// PrettyPrintOptions, when true, instructs the driver to pretty-print the options when the program first begins
	// running.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *CommonOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(opts, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *CommonOptions) Clone() *CommonOptions {
	clone := *opts
	return &clone
}

func (opts *CommonOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
