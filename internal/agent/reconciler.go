// Package agent is the node-side reconciler. It owns the node's
// desired-credential file and recreates the relay containers from it on
// every change.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/renameio"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

const (
	MinWorkers = 1
	MaxWorkers = 16

	DefaultLogLines = 100
	MaxLogLines     = 1000

	mtprotoContainerPort = 443
	socks5ContainerPort  = 1080
	socks5UsersFile      = "users.conf"
	socks5MountDir       = "/etc/socks5"
)

type Options struct {
	DataDir string

	MTProtoImage     string
	MTProtoContainer string
	MTProtoPort      int
	Workers          int
	StatsURL         string

	Socks5Image     string
	Socks5Container string
	Socks5Port      int

	ProxySecretURL string
	ProxyConfigURL string

	// ProcRoot overrides /proc for host metrics
	ProcRoot   string
	HTTPClient *http.Client
	Now        func() time.Time
}

// Reconciler serializes operations per relay kind. Operations on
// different kinds run independently; the shared state file is guarded
// separately.
type Reconciler struct {
	log      logrus.FieldLogger
	opts     Options
	engine   Engine
	file     *StateFile
	host     *hostProbe
	validate *validator.Validate

	kindMu map[models.RelayKind]*sync.Mutex

	stateMu sync.Mutex
	state   *DesiredState
}

// NewReconciler loads the desired state from disk, falling back to the
// configured defaults.
func NewReconciler(log logrus.FieldLogger, engine Engine, opts Options) (*Reconciler, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers == 0 {
		opts.Workers = 2
	}

	file := NewStateFile(opts.DataDir)
	state, err := file.Load(DesiredState{
		MTProto: MTProtoState{Port: opts.MTProtoPort, Workers: opts.Workers},
		Socks5:  Socks5State{Port: opts.Socks5Port},
	})
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		log:      log.WithField("component", "reconciler"),
		opts:     opts,
		engine:   engine,
		file:     file,
		host:     newHostProbe(opts.ProcRoot, opts.DataDir),
		validate: validator.New(),
		kindMu: map[models.RelayKind]*sync.Mutex{
			models.RelayMTProto: {},
			models.RelaySocks5:  {},
		},
		state: state,
	}, nil
}

// Boot recreates both relays from the file, so a rebooted host serves the
// persisted credentials again.
func (r *Reconciler) Boot(ctx context.Context) error {
	var merr *multierror.Error
	for _, kind := range []models.RelayKind{models.RelayMTProto, models.RelaySocks5} {
		if err := r.RestartRelay(ctx, kind); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// ==================== Telemetry ====================

func (r *Reconciler) Health(ctx context.Context) *models.NodeHealth {
	hs := r.host.Sample()
	return &models.NodeHealth{
		MTProtoRunning: r.engine.IsRunning(ctx, r.opts.MTProtoContainer),
		Socks5Running:  r.engine.IsRunning(ctx, r.opts.Socks5Container),
		CPUPercent:     hs.CPUPercent,
		MemoryPercent:  hs.MemoryPercent,
		MemoryUsedMB:   hs.MemoryUsedMB,
		MemoryTotalMB:  hs.MemoryTotalMB,
		DiskPercent:    hs.DiskPercent,
		UptimeSeconds:  hs.UptimeSeconds,
	}
}

// Stats is best-effort: an unreachable relay stats page reports zero.
func (r *Reconciler) Stats(ctx context.Context) *models.NodeStats {
	conns, err := mtprotoConnections(ctx, r.opts.HTTPClient, r.opts.StatsURL)
	if err != nil {
		r.log.WithError(err).Debug("relay stats unavailable")
	}
	rx, tx := r.host.netCounters()
	state := r.snapshot()
	return &models.NodeStats{
		MTProtoConnections: conns,
		MTProtoWorkers:     state.MTProto.Workers,
		MTProtoPort:        state.MTProto.Port,
		NetRxBytes:         rx,
		NetTxBytes:         tx,
	}
}

// ==================== MTProto ====================

func (r *Reconciler) ListSecrets() []models.SecretEntry {
	return r.snapshot().MTProto.Secrets
}

// AddSecret persists the secret and recreates the MTProto relay. A secret
// that is already served is a no-op.
func (r *Reconciler) AddSecret(ctx context.Context, secret string, obfuscated bool, description string) error {
	secret = strings.ToLower(secret)
	if err := r.validate.Var(secret, "len=32,hexadecimal"); err != nil {
		return apperr.Validation("secret", "must be 32 hex characters")
	}

	return r.mutate(ctx, models.RelayMTProto, func(s *DesiredState) (bool, error) {
		if s.secretIndex(secret) >= 0 {
			// present: recreate only if the relay is down
			return !r.engine.IsRunning(ctx, r.opts.MTProtoContainer), nil
		}
		s.MTProto.Secrets = append(s.MTProto.Secrets, models.SecretEntry{
			Secret:      secret,
			Obfuscated:  obfuscated,
			Description: description,
			AddedAt:     r.opts.Now().UTC(),
		})
		return true, nil
	})
}

// RemoveSecret drops the secret and recreates the relay. Removing an
// absent secret succeeds without touching the relay.
func (r *Reconciler) RemoveSecret(ctx context.Context, secret string) error {
	secret = strings.ToLower(secret)
	return r.mutate(ctx, models.RelayMTProto, func(s *DesiredState) (bool, error) {
		i := s.secretIndex(secret)
		if i < 0 {
			return false, nil
		}
		s.MTProto.Secrets = append(s.MTProto.Secrets[:i], s.MTProto.Secrets[i+1:]...)
		return true, nil
	})
}

func (r *Reconciler) UpdateWorkers(ctx context.Context, workers int) error {
	if workers < MinWorkers || workers > MaxWorkers {
		return apperr.Validation("workers", "must be between %d and %d, got %d", MinWorkers, MaxWorkers, workers)
	}
	return r.mutate(ctx, models.RelayMTProto, func(s *DesiredState) (bool, error) {
		s.MTProto.Workers = workers
		return true, nil
	})
}

// UpdateMTProtoConfig changes the public port and the promotion tag. A
// zero port or an empty tag keeps the current value.
func (r *Reconciler) UpdateMTProtoConfig(ctx context.Context, port int, tag string) error {
	if port < 0 || port > 65535 {
		return apperr.Validation("port", "must be between 1 and 65535, got %d", port)
	}
	if tag != "" {
		if err := r.validate.Var(tag, "len=32,hexadecimal"); err != nil {
			return apperr.Validation("tag", "must be 32 hex characters")
		}
	}
	return r.mutate(ctx, models.RelayMTProto, func(s *DesiredState) (bool, error) {
		if port != 0 {
			s.MTProto.Port = port
		}
		if tag != "" {
			s.MTProto.Tag = tag
		}
		return true, nil
	})
}

// UpdateProxyFiles refreshes Telegram's proxy-secret and proxy-multi.conf
// in the data dir and recreates the MTProto relay.
func (r *Reconciler) UpdateProxyFiles(ctx context.Context) error {
	lock := r.kindMu[models.RelayMTProto]
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(r.opts.DataDir, "mtproto")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create mtproto dir: %w", err)
	}
	files := map[string]string{
		"proxy-secret":     r.opts.ProxySecretURL,
		"proxy-multi.conf": r.opts.ProxyConfigURL,
	}
	for name, url := range files {
		if url == "" {
			continue
		}
		if err := download(ctx, r.opts.HTTPClient, url, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	r.log.Info("proxy files updated")
	return r.recreate(ctx, models.RelayMTProto, r.snapshot())
}

// ==================== SOCKS5 ====================

func (r *Reconciler) ListSocks5Accounts() []models.AccountEntry {
	return r.snapshot().Socks5.Accounts
}

// AddSocks5Account adds an account; a taken username is a ConflictError.
func (r *Reconciler) AddSocks5Account(ctx context.Context, username, password string) error {
	if err := r.validate.Var(username, "required,min=3,max=64,alphanum"); err != nil {
		return apperr.Validation("username", "must be 3-64 alphanumeric characters")
	}
	if err := r.validate.Var(password, "required,min=8,max=128"); err != nil {
		return apperr.Validation("password", "must be 8-128 characters")
	}
	return r.mutate(ctx, models.RelaySocks5, func(s *DesiredState) (bool, error) {
		if s.accountIndex(username) >= 0 {
			return false, apperr.Conflict("socks5 account", username)
		}
		s.Socks5.Accounts = append(s.Socks5.Accounts, models.AccountEntry{Username: username, Password: password})
		return true, nil
	})
}

func (r *Reconciler) RemoveSocks5Account(ctx context.Context, username string) error {
	return r.mutate(ctx, models.RelaySocks5, func(s *DesiredState) (bool, error) {
		i := s.accountIndex(username)
		if i < 0 {
			return false, nil
		}
		s.Socks5.Accounts = append(s.Socks5.Accounts[:i], s.Socks5.Accounts[i+1:]...)
		return true, nil
	})
}

// ==================== Lifecycle ====================

// RestartRelay recreates the relay from the current file.
func (r *Reconciler) RestartRelay(ctx context.Context, kind models.RelayKind) error {
	lock, ok := r.kindMu[kind]
	if !ok {
		return apperr.Validation("kind", "unknown relay %q", kind)
	}
	lock.Lock()
	defer lock.Unlock()
	return r.recreate(ctx, kind, r.snapshot())
}

// Logs returns the tail of both relays. lines is clamped to
// [1, MaxLogLines]; zero means DefaultLogLines.
func (r *Reconciler) Logs(ctx context.Context, lines int) *models.LogsResponse {
	switch {
	case lines == 0:
		lines = DefaultLogLines
	case lines < 1:
		lines = 1
	case lines > MaxLogLines:
		lines = MaxLogLines
	}

	resp := &models.LogsResponse{}
	var err error
	if resp.MTProto, err = r.engine.Logs(ctx, r.opts.MTProtoContainer, lines); err != nil {
		r.log.WithError(err).Debug("mtproto logs unavailable")
	}
	if resp.Socks5, err = r.engine.Logs(ctx, r.opts.Socks5Container, lines); err != nil {
		r.log.WithError(err).Debug("socks5 logs unavailable")
	}
	return resp
}

// mutate applies fn to a copy of the state under the kind lock. When fn
// reports a change the file is written first and then the relay is
// recreated; a launch failure is returned after the file is saved, so the
// next mutation or Boot picks up the persisted state.
func (r *Reconciler) mutate(ctx context.Context, kind models.RelayKind, fn func(*DesiredState) (bool, error)) error {
	lock := r.kindMu[kind]
	lock.Lock()
	defer lock.Unlock()

	r.stateMu.Lock()
	next := r.state.clone()
	changed, err := fn(next)
	if err != nil || !changed {
		r.stateMu.Unlock()
		return err
	}
	if err := r.file.Save(next); err != nil {
		r.stateMu.Unlock()
		return err
	}
	r.state = next
	snapshot := next.clone()
	r.stateMu.Unlock()

	return r.recreate(ctx, kind, snapshot)
}

func (r *Reconciler) snapshot() *DesiredState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state.clone()
}

// recreate stops the relay and starts it again from state. An empty
// credential set leaves it stopped. Callers hold the kind lock.
func (r *Reconciler) recreate(ctx context.Context, kind models.RelayKind, state *DesiredState) error {
	var (
		container string
		spec      RelaySpec
		empty     bool
		err       error
	)
	switch kind {
	case models.RelayMTProto:
		container = r.opts.MTProtoContainer
		empty = len(state.MTProto.Secrets) == 0
		spec = r.mtprotoSpec(state)
	case models.RelaySocks5:
		container = r.opts.Socks5Container
		empty = len(state.Socks5.Accounts) == 0
		if spec, err = r.socks5Spec(state); err != nil {
			return err
		}
	default:
		return apperr.Validation("kind", "unknown relay %q", kind)
	}

	log := r.log.WithFields(logrus.Fields{"relay": kind, "container": container})
	if err := r.engine.Stop(ctx, kind, container); err != nil {
		return fmt.Errorf("stop %s relay: %w", kind, err)
	}
	if empty {
		log.Info("no credentials, relay left stopped")
		return nil
	}
	if err := r.engine.Start(ctx, kind, spec); err != nil {
		log.WithError(err).Error("relay launch failed")
		return fmt.Errorf("start %s relay: %w", kind, err)
	}
	log.Info("relay recreated")
	return nil
}

func (r *Reconciler) mtprotoSpec(state *DesiredState) RelaySpec {
	secrets := make([]string, 0, len(state.MTProto.Secrets))
	for _, e := range state.MTProto.Secrets {
		secrets = append(secrets, e.Secret)
	}
	env := map[string]string{
		"SECRET":  strings.Join(secrets, ","),
		"WORKERS": strconv.Itoa(state.MTProto.Workers),
	}
	if state.MTProto.Tag != "" {
		env["TAG"] = state.MTProto.Tag
	}
	return RelaySpec{
		Image:     r.opts.MTProtoImage,
		Container: r.opts.MTProtoContainer,
		Ports:     map[int]int{state.MTProto.Port: mtprotoContainerPort},
		Env:       env,
		Volumes:   map[string]string{filepath.Join(r.opts.DataDir, "mtproto"): "/data"},
	}
}

// socks5Spec writes the auth list the relay reads at startup.
func (r *Reconciler) socks5Spec(state *DesiredState) (RelaySpec, error) {
	dir := filepath.Join(r.opts.DataDir, "socks5")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return RelaySpec{}, fmt.Errorf("create socks5 dir: %w", err)
	}
	var b strings.Builder
	for _, a := range state.Socks5.Accounts {
		b.WriteString(a.Username)
		b.WriteByte(':')
		b.WriteString(a.Password)
		b.WriteByte('\n')
	}
	if err := renameio.WriteFile(filepath.Join(dir, socks5UsersFile), []byte(b.String()), 0o600); err != nil {
		return RelaySpec{}, fmt.Errorf("write socks5 users: %w", err)
	}

	return RelaySpec{
		Image:     r.opts.Socks5Image,
		Container: r.opts.Socks5Container,
		Ports:     map[int]int{state.Socks5.Port: socks5ContainerPort},
		Env: map[string]string{
			"PROXY_PORT":       strconv.Itoa(socks5ContainerPort),
			"PROXY_USERS_FILE": socks5MountDir + "/" + socks5UsersFile,
		},
		Volumes: map[string]string{dir: socks5MountDir},
	}, nil
}
