// Package credentials keeps registry credentials in a docker config.json, the
// same file `docker login` writes, so the engine and the registry client see
// the same accounts.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	dockerregistry "github.com/docker/docker/api/types/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	orascreds "oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/registry"
)

const dockerHub = "docker.io"

// Credential is one registry account.
type Credential struct {
	Registry string `json:"registry"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Store is the narrow credential interface the core reads and writes through.
type Store interface {
	// Get returns the credential for registry, failing with not-found when
	// none is stored.
	Get(ctx context.Context, registry string) (Credential, error)
	Set(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, registry string) error
	// List returns the registries with a stored credential.
	List(ctx context.Context) ([]string, error)
}

// DockerConfigStore is a Store backed by a docker config.json file.
type DockerConfigStore struct {
	path   string
	store  orascreds.Store
	logger *slog.Logger
}

var _ Store = (*DockerConfigStore)(nil)

// NewDockerConfigStore opens the config file at path. The file is created on
// the first Set.
func NewDockerConfigStore(path string, logger *slog.Logger) (*DockerConfigStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := orascreds.NewStore(path, orascreds.StoreOptions{AllowPlaintextPut: true})
	if err != nil {
		return nil, fmt.Errorf("opening credential store %s: %w", path, err)
	}
	return &DockerConfigStore{path: path, store: store, logger: logger}, nil
}

// Path returns the config file location.
func (s *DockerConfigStore) Path() string {
	return s.path
}

func (s *DockerConfigStore) Get(ctx context.Context, reg string) (Credential, error) {
	key := serverAddress(reg)
	cred, err := s.store.Get(ctx, key)
	if err != nil {
		return Credential{}, apperr.Wrap(apperr.KindStorage, err, "reading credential for "+reg)
	}
	if cred == auth.EmptyCredential {
		return Credential{}, apperr.New(apperr.KindNotFound, "no credential stored for "+reg)
	}
	password := cred.Password
	if password == "" {
		password = cred.RefreshToken
	}
	return Credential{Registry: displayName(key), Username: cred.Username, Password: password}, nil
}

func (s *DockerConfigStore) Set(ctx context.Context, cred Credential) error {
	if err := validate(cred); err != nil {
		return err
	}
	key := serverAddress(cred.Registry)
	if err := s.store.Put(ctx, key, auth.Credential{Username: cred.Username, Password: cred.Password}); err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "storing credential for "+cred.Registry)
	}
	s.logger.Info("credential stored", "registry", displayName(key), "username", cred.Username)
	return nil
}

func (s *DockerConfigStore) Delete(ctx context.Context, reg string) error {
	key := serverAddress(reg)
	if err := s.store.Delete(ctx, key); err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "deleting credential for "+reg)
	}
	s.logger.Info("credential deleted", "registry", displayName(key))
	return nil
}

// List reads the registries under "auths" and "credHelpers".
func (s *DockerConfigStore) List(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, err, "reading "+s.path)
	}
	var cfg struct {
		Auths       map[string]json.RawMessage `json:"auths"`
		CredHelpers map[string]string          `json:"credHelpers"`
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, err, "parsing "+s.path)
		}
	}
	seen := make(map[string]bool)
	for key := range cfg.Auths {
		seen[displayName(key)] = true
	}
	for key := range cfg.CredHelpers {
		seen[displayName(key)] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// LoginOptions controls credential verification.
type LoginOptions struct {
	PlainHTTP bool
	Client    remote.Client
}

// Login verifies cred against the registry and stores it on success.
func Login(ctx context.Context, store Store, cred Credential, opts LoginOptions) error {
	if err := validate(cred); err != nil {
		return err
	}
	endpoint := endpointHost(cred.Registry)
	reg, err := remote.NewRegistry(endpoint)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalid, err, "invalid registry "+cred.Registry)
	}
	client := &auth.Client{
		Client:     opts.Client,
		Credential: auth.StaticCredential(endpoint, auth.Credential{Username: cred.Username, Password: cred.Password}),
	}
	client.SetUserAgent("kraken")
	reg.Client = client
	reg.PlainHTTP = opts.PlainHTTP

	if err := reg.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.KindAuth, err, "verifying credential for "+cred.Registry)
	}
	return store.Set(ctx, cred)
}

// AuthFunc adapts store to the registry client's credential callback.
// Hosts without a stored credential are accessed anonymously.
func AuthFunc(store Store) auth.CredentialFunc {
	return func(ctx context.Context, hostport string) (auth.Credential, error) {
		cred, err := store.Get(ctx, hostport)
		if apperr.IsKind(err, apperr.KindNotFound) {
			return auth.EmptyCredential, nil
		}
		if err != nil {
			return auth.EmptyCredential, err
		}
		return auth.Credential{Username: cred.Username, Password: cred.Password}, nil
	}
}

// ForImage returns the engine auth header for pulling from repository, or "" if
// no credential is stored for its registry.
func ForImage(ctx context.Context, store Store, repository string) (string, error) {
	if store == nil {
		return "", nil
	}
	repo, err := registry.ParseRepository(repository)
	if err != nil {
		return "", err
	}
	cred, err := store.Get(ctx, repo.Registry)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	encoded, err := dockerregistry.EncodeAuthConfig(dockerregistry.AuthConfig{
		Username:      cred.Username,
		Password:      cred.Password,
		ServerAddress: serverAddress(repo.Registry),
	})
	if err != nil {
		return "", fmt.Errorf("encoding registry auth: %w", err)
	}
	return encoded, nil
}

func validate(cred Credential) error {
	if strings.TrimSpace(cred.Registry) == "" {
		return apperr.New(apperr.KindInvalid, "registry is required")
	}
	if cred.Username == "" || cred.Password == "" {
		return apperr.New(apperr.KindInvalid, "username and password are required")
	}
	return nil
}

func trimHost(reg string) string {
	h := strings.TrimSpace(reg)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	h, _, _ = strings.Cut(h, "/")
	return h
}

func isDockerHub(host string) bool {
	switch host {
	case "", dockerHub, "index.docker.io", "registry-1.docker.io":
		return true
	}
	return false
}

// serverAddress returns the config.json key for a registry.
func serverAddress(reg string) string {
	host := trimHost(reg)
	if isDockerHub(host) {
		return orascreds.ServerAddressFromRegistry(dockerHub)
	}
	return host
}

// endpointHost returns the host to contact for a registry.
func endpointHost(reg string) string {
	host := trimHost(reg)
	if isDockerHub(host) {
		return "registry-1.docker.io"
	}
	return host
}

// displayName maps a config.json key back to a registry name.
func displayName(key string) string {
	host := trimHost(key)
	if isDockerHub(host) {
		return dockerHub
	}
	return host
}
