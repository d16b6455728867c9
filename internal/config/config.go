// Package config loads FeatherMail's two configuration documents: the
// boot-only server config and the hot-reloadable pipeline config. Server
// config uses cleanenv so every field is also overridable by environment
// variable; the pipeline document is a heterogeneous ordered stage list,
// which cleanenv does not model well, so it is parsed directly with
// yaml.v3 and handed to the internal/pipeline registry for validation.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the boot-only document: listener address, greeting
// identity, and TLS material paths. Changes to this file after boot are
// detected but never applied live; operators must restart.
type ServerConfig struct {
	Name          string `yaml:"name" env:"FEATHER_NAME" env-default:"FeatherMail"`
	ListenAddress string `yaml:"listen_address" env:"FEATHER_LISTEN_ADDRESS" env-default:"0.0.0.0:25"`
	Domain        string `yaml:"domain" env:"FEATHER_DOMAIN" env-default:"localhost"`
	GreetingName  string `yaml:"greeting_name" env:"FEATHER_GREETING_NAME"`

	TLSMode     string `yaml:"tls_mode" env:"FEATHER_TLS_MODE" env-default:"if_available"`
	TLSKeyPath  string `yaml:"tls_key_path" env:"FEATHER_TLS_KEY_PATH"`
	TLSCertPath string `yaml:"tls_cert_path" env:"FEATHER_TLS_CERT_PATH"`
	TLSCAPath   string `yaml:"tls_ca_path" env:"FEATHER_TLS_CA_PATH"`

	// TLSSNICerts maps additional server names to their own cert/key pair,
	// for operators fronting more than one domain on the same listener.
	// TLSCertPath/TLSKeyPath (if set) serve as the default for SNI names
	// not listed here.
	TLSSNICerts map[string]SNICertPaths `yaml:"tls_sni_certs"`

	KeystorePath string `yaml:"keystore_path" env:"FEATHER_KEYSTORE_PATH"`
	SecretKey    string `yaml:"secret_key" env:"FEATHER_SECRET_KEY"`
}

// SNICertPaths names one TLSSNICerts entry's certificate and key files.
type SNICertPaths struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// StageSpec is one entry of the pipeline document: an adapter kind string
// plus its raw options, deferred-decoded by whichever factory the registry
// resolves the kind to.
type StageSpec struct {
	Kind string    `yaml:"kind"`
	Opts yaml.Node `yaml:"opts"`
}

// PipelineSpec is the ordered, hot-reloadable stage list.
type PipelineSpec struct {
	Stages []StageSpec `yaml:"stages"`
}

// ConfigDir resolves the configuration directory per the documented
// precedence: $FEATHER_CONFIG_FOLDER, then the BSD default, then the
// general Unix default.
func ConfigDir() string {
	if dir := os.Getenv("FEATHER_CONFIG_FOLDER"); dir != "" {
		return dir
	}
	if runtime.GOOS == "freebsd" || runtime.GOOS == "openbsd" || runtime.GOOS == "netbsd" || runtime.GOOS == "darwin" {
		return "/usr/local/etc/feather"
	}
	return "/etc/feather"
}

// Loader owns the boot-time server config and the atomically-swappable
// current pipeline spec, and watches the pipeline file for changes.
type Loader struct {
	dir    string
	server ServerConfig

	current atomic.Pointer[PipelineSpec]

	logger *logrus.Entry

	mu         sync.Mutex
	pipelineMT time.Time
	serverMT   time.Time
	stop       chan struct{}
}

// Load reads server.yaml and pipeline.yaml from dir (ConfigDir() if empty),
// validating the pipeline spec with validate before publishing it.
func Load(dir string, logger *logrus.Entry, validate func(*PipelineSpec) error) (*Loader, error) {
	if dir == "" {
		dir = ConfigDir()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	l := &Loader{dir: dir, logger: logger}

	var server ServerConfig
	serverPath := filepath.Join(dir, "server.yaml")
	if err := cleanenv.ReadConfig(serverPath, &server); err != nil {
		if err := cleanenv.ReadEnv(&server); err != nil {
			return nil, errors.Wrap(err, "config: load server config")
		}
	}
	l.server = server
	if info, err := os.Stat(serverPath); err == nil {
		l.serverMT = info.ModTime()
	}

	spec, mt, err := l.readPipeline()
	if err != nil {
		return nil, errors.Wrap(err, "config: load pipeline config")
	}
	if validate != nil {
		if err := validate(spec); err != nil {
			return nil, errors.Wrap(err, "config: validate pipeline config")
		}
	}
	l.current.Store(spec)
	l.pipelineMT = mt

	return l, nil
}

// Server returns the boot-time server config. It never changes after Load.
func (l *Loader) Server() ServerConfig { return l.server }

// Pipeline returns the currently active pipeline spec.
func (l *Loader) Pipeline() *PipelineSpec { return l.current.Load() }

func (l *Loader) pipelinePath() string { return filepath.Join(l.dir, "pipeline.yaml") }

func (l *Loader) readPipeline() (*PipelineSpec, time.Time, error) {
	path := l.pipelinePath()
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var spec PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, time.Time{}, err
	}
	return &spec, info.ModTime(), nil
}

// Watch polls the pipeline file every interval and atomically swaps in a
// revalidated spec on change. A change to server.yaml is logged but never
// applied; only pipeline.yaml hot-reloads. Stop with Close.
func (l *Loader) Watch(interval time.Duration, validate func(*PipelineSpec) error) {
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return
	}
	l.stop = make(chan struct{})
	stop := l.stop
	l.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.checkServerConfig()
				l.checkPipelineConfig(validate)
			}
		}
	}()
}

func (l *Loader) checkServerConfig() {
	info, err := os.Stat(filepath.Join(l.dir, "server.yaml"))
	if err != nil {
		return
	}

	l.mu.Lock()
	changed := info.ModTime().After(l.serverMT)
	if changed {
		l.serverMT = info.ModTime()
	}
	l.mu.Unlock()

	if changed {
		l.logger.Warn("server config changed on disk, restart required to apply")
	}
}

func (l *Loader) checkPipelineConfig(validate func(*PipelineSpec) error) {
	info, err := os.Stat(l.pipelinePath())
	if err != nil {
		l.logger.WithError(err).Warn("pipeline config stat failed, keeping current spec")
		return
	}

	l.mu.Lock()
	unchanged := !info.ModTime().After(l.pipelineMT)
	l.mu.Unlock()
	if unchanged {
		return
	}

	spec, mt, err := l.readPipeline()
	if err != nil {
		l.logger.WithError(err).Error("pipeline config reload failed, keeping current spec")
		return
	}
	if validate != nil {
		if err := validate(spec); err != nil {
			l.logger.WithError(err).Error("pipeline config validation failed, keeping current spec")
			return
		}
	}

	l.current.Store(spec)
	l.mu.Lock()
	l.pipelineMT = mt
	l.mu.Unlock()
	l.logger.Info("pipeline config reloaded")
}

// Close stops the background watch goroutine, if running.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
}

// DecodeOpts decodes a stage's raw opts node into dst, returning a wrapped
// error naming the stage kind on failure.
func DecodeOpts(stage StageSpec, dst any) error {
	if err := stage.Opts.Decode(dst); err != nil {
		return errors.Wrapf(err, "config: decode opts for stage %q", stage.Kind)
	}
	return nil
}
