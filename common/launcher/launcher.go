package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/vm-scheduler/common/scheduling"
)

const (
	Logging Kind = "logging"
	Docker  Kind = "docker"
)

var (
	ErrUnknownLauncher = errors.New("unknown launcher")
	ErrUnknownInstance = errors.New("unknown instance")
)

// Kind names a Launcher implementation.
type Kind string

func (k Kind) String() string {
	return string(k)
}

// LauncherOptions configure the Launcher used by the scheduler.
type LauncherOptions struct {
	Launcher      string `name:"launcher"       json:"launcher"       yaml:"launcher"       description:"Launch adapter: 'logging' (records instances without starting anything) or 'docker'."`
	DockerNetwork string `name:"docker-network" json:"docker-network" yaml:"docker-network" description:"Docker network that launched containers are attached to. Only used by the 'docker' launcher."`
	DefaultImage  string `name:"default-image"  json:"default-image"  yaml:"default-image"  description:"Image used for requests that do not name one."`
}

// New creates the Launcher selected by opts.
func New(opts *LauncherOptions) (scheduling.Launcher, error) {
	switch Kind(strings.ToLower(opts.Launcher)) {
	case "", Logging:
		return NewLoggingLauncher(), nil
	case Docker:
		return NewDockerLauncher(opts.DockerNetwork, opts.DefaultImage)
	default:
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownLauncher, opts.Launcher)
	}
}

// LoggingLauncher records the instances it is asked to start and stop without starting anything.
type LoggingLauncher struct {
	mu  sync.Mutex
	log logger.Logger

	running map[string]*scheduling.InstanceSpec
}

func NewLoggingLauncher() *LoggingLauncher {
	launcher := &LoggingLauncher{
		running: make(map[string]*scheduling.InstanceSpec),
	}
	config.InitLogger(&launcher.log, launcher)

	return launcher
}

func (l *LoggingLauncher) StartInstance(_ context.Context, hostId string, spec *scheduling.InstanceSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	clone := *spec
	clone.HostID = hostId
	l.running[spec.InstanceID] = &clone

	l.log.Info("Started %s.", clone.String())
	return nil
}

func (l *LoggingLauncher) StopInstance(_ context.Context, instanceId string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, loaded := l.running[instanceId]; !loaded {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceId)
	}

	delete(l.running, instanceId)

	l.log.Info("Stopped instance %s.", instanceId)
	return nil
}

// Running returns the number of instances that were started and not yet stopped.
func (l *LoggingLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.running)
}
