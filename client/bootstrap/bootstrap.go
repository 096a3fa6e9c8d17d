package bootstrap

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultAppDir       = "chat-playground"
	defaultIdentityFile = "identity.json"

	identityFileMode = 0o600
)

var (
	ErrLoad  = errors.New("unable to load identity")
	ErrSave  = errors.New("unable to save identity")
	ErrClear = errors.New("unable to clear identity")
)

// Identity is the persisted login. The username travels to the server as
// the connection-time credential; the id is generated locally on first
// login and stays stable across restarts.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Connector is the session surface the bootstrap drives.
type Connector interface {
	Connect(identity string)
	Disconnect()
}

type Config struct {
	Logger    *zerolog.Logger
	Connector Connector
	// Path overrides the identity file location. Empty means
	// <user config dir>/chat-playground/identity.json.
	Path string
}

// Bootstrap maps a persisted user identity to connect/disconnect calls.
type Bootstrap struct {
	logger    zerolog.Logger
	connector Connector
	path      string
}

func New(cfg Config) (*Bootstrap, error) {
	path := cfg.Path
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, errors.Join(ErrLoad, err)
		}
		path = filepath.Join(dir, defaultAppDir, defaultIdentityFile)
	}
	return &Bootstrap{
		logger:    cfg.Logger.With().Str("component", "bootstrap").Logger(),
		connector: cfg.Connector,
		path:      path,
	}, nil
}

// Resume connects with a previously persisted identity, if any. The second
// return value reports whether one was found.
func (b *Bootstrap) Resume() (Identity, bool, error) {
	identity, err := b.load()
	if err != nil {
		return Identity{}, false, err
	}
	if identity == nil {
		return Identity{}, false, nil
	}
	b.connector.Connect(identity.Username)
	b.logger.Debug().Str("username", identity.Username).Msg("session resumed")
	return *identity, true, nil
}

// Login persists the identity and connects. A known username keeps its
// generated id; a new one gets a fresh one.
func (b *Bootstrap) Login(username string) (Identity, error) {
	existing, err := b.load()
	if err != nil {
		return Identity{}, err
	}

	identity := Identity{ID: uuid.NewString(), Username: username}
	if existing != nil && existing.Username == username {
		identity = *existing
	} else if err = b.save(identity); err != nil {
		return Identity{}, err
	}

	b.connector.Connect(identity.Username)
	b.logger.Debug().Str("username", identity.Username).Msg("logged in")
	return identity, nil
}

// Logout disconnects and clears the persisted identity.
func (b *Bootstrap) Logout() error {
	b.connector.Disconnect()
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(ErrClear, err)
	}
	b.logger.Debug().Msg("logged out")
	return nil
}

func (b *Bootstrap) load() (*Identity, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Join(ErrLoad, err)
	}
	var identity Identity
	if err = json.Unmarshal(data, &identity); err != nil {
		return nil, errors.Join(ErrLoad, err)
	}
	return &identity, nil
}

func (b *Bootstrap) save(identity Identity) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return errors.Join(ErrSave, err)
	}
	data, err := json.Marshal(&identity)
	if err != nil {
		return errors.Join(ErrSave, err)
	}
	if err = os.WriteFile(b.path, data, identityFileMode); err != nil {
		return errors.Join(ErrSave, err)
	}
	return nil
}
