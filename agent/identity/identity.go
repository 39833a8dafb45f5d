// Package identity implements agent UUID/key/name/group persistence and the
// enrollment handshake described by §4.L.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"runtime"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/endpointguard/agent/internal/store"
)

const (
	productName    = "endpoint-agent"
	productVersion = "1.0.0"
	agentType      = "Endpoint"
	keyLength      = 32
	keyAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrInvalidKey is returned by SetKey when the supplied key is neither
// empty nor exactly 32 alphanumeric characters.
var ErrInvalidKey = errors.New("identity: key must be empty or 32 alphanumeric characters")

// infoRow is the single-row agent_info table.
type infoRow struct {
	ID   uint8  `gorm:"column:id;primaryKey"`
	UUID string `gorm:"column:uuid"`
	Key  string `gorm:"column:reg_key"`
	Name string `gorm:"column:name"`
}

func (infoRow) TableName() string { return "agent_info" }

// groupRow is one row of the normalized agent_group table.
type groupRow struct {
	ID   uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;uniqueIndex"`
	Ord  int    `gorm:"column:ord"`
}

func (groupRow) TableName() string { return "agent_group" }

// Info is the in-memory view of the single process-wide agent_info record.
type Info struct {
	UUID   string
	Key    string
	Name   string
	Groups []string
}

// Identity owns the persisted agent_info / agent_group rows.
type Identity struct {
	st     *store.Store
	logger *zap.Logger
}

// Load opens the identity tables (migrating them if needed) and returns an
// Identity handle. If no row exists yet, one is created with a freshly
// generated UUID and the given seed name/key/groups (typically sourced from
// config on first run).
func Load(st *store.Store, seedName, seedKey string, seedGroups []string, logger *zap.Logger) (*Identity, error) {
	if err := st.AutoMigrate(&infoRow{}, &groupRow{}); err != nil {
		return nil, fmt.Errorf("identity: automigrate: %w", err)
	}
	id := &Identity{st: st, logger: logger.With(zap.String("component", "identity"))}

	var row infoRow
	err := st.DB().First(&row, "id = 1").Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		key := seedKey
		if key != "" {
			if !validKey(key) {
				return nil, ErrInvalidKey
			}
		}
		row = infoRow{ID: 1, UUID: uuid.NewString(), Key: key, Name: seedName}
		if err := st.DB().Create(&row).Error; err != nil {
			return nil, fmt.Errorf("identity: create: %w", err)
		}
		if len(seedGroups) > 0 {
			if err := id.SetGroups(context.Background(), seedGroups); err != nil {
				return nil, err
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("identity: load: %w", err)
	}

	return id, nil
}

// Get returns a snapshot of the current identity.
func (id *Identity) Get(ctx context.Context) (Info, error) {
	var row infoRow
	if err := id.st.DB().WithContext(ctx).First(&row, "id = 1").Error; err != nil {
		return Info{}, fmt.Errorf("identity: get: %w", err)
	}
	groups, err := id.GetGroups(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{UUID: row.UUID, Key: row.Key, Name: row.Name, Groups: groups}, nil
}

// GetGroups returns the ordered list of group names.
func (id *Identity) GetGroups(ctx context.Context) ([]string, error) {
	var rows []groupRow
	if err := id.st.DB().WithContext(ctx).Order("ord ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("identity: get_groups: %w", err)
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Name
	}
	return names, nil
}

// SetGroups replaces the entire group list within a transaction. Per
// original_source's agent_info discipline, group membership is always a
// whole-list replace, never an element-wise patch.
func (id *Identity) SetGroups(ctx context.Context, groups []string) error {
	return id.st.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&groupRow{}).Error; err != nil {
			return err
		}
		for i, name := range groups {
			if err := tx.Create(&groupRow{Name: name, Ord: i}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SetName persists a new agent name.
func (id *Identity) SetName(ctx context.Context, name string) error {
	return id.st.DB().WithContext(ctx).Model(&infoRow{}).Where("id = 1").Update("name", name).Error
}

// SetKey validates and persists a registration key. An empty key generates
// a fresh random 32-char alphanumeric key; anything else must be exactly 32
// alphanumeric characters.
func (id *Identity) SetKey(ctx context.Context, key string) error {
	if key == "" {
		generated, err := generateKey()
		if err != nil {
			return fmt.Errorf("identity: generate key: %w", err)
		}
		key = generated
	} else if !validKey(key) {
		return ErrInvalidKey
	}
	return id.st.DB().WithContext(ctx).Model(&infoRow{}).Where("id = 1").Update("reg_key", key).Error
}

// ResetToDefault destroys the persisted identity (the only operation
// allowed to do so per §3).
func (id *Identity) ResetToDefault(ctx context.Context) error {
	return id.st.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&groupRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = 1").Delete(&infoRow{}).Error
	})
}

// ValidateKey reports ErrInvalidKey if key is neither empty nor exactly 32
// alphanumeric characters. Callers that accept a key from outside (the
// --key flag, a command payload) before any persistence happens — notably
// enrollment — should call this first, so a malformed key is rejected
// without ever creating an agent_info row.
func ValidateKey(key string) error {
	if key != "" && !validKey(key) {
		return ErrInvalidKey
	}
	return nil
}

func validKey(key string) bool {
	if len(key) != keyLength {
		return false
	}
	for _, c := range key {
		if !isAlnum(c) {
			return false
		}
	}
	return true
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func generateKey() (string, error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, keyLength)
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(out), nil
}

// EndpointInfo describes the host the agent runs on, derived at metadata
// build time.
type EndpointInfo struct {
	OS       string
	Platform string
	Arch     string
	IP       string
}

// DeriveEndpointInfo reports the OS/platform/arch and the first non-loopback
// IPv4 address found on an "up" interface.
func DeriveEndpointInfo() EndpointInfo {
	info := EndpointInfo{OS: runtime.GOOS, Platform: runtime.GOOS, Arch: runtime.GOARCH}

	ifaces, err := net.Interfaces()
	if err != nil {
		return info
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.To4() == nil || ip.IsLoopback() {
				continue
			}
			info.IP = ip.String()
			return info
		}
	}
	return info
}

// Metadata is the document sent to /agents during enrollment and kept in
// sync afterward.
type Metadata struct {
	OS       string   `json:"os"`
	Platform string   `json:"platform"`
	Arch     string   `json:"arch"`
	IP       string   `json:"ip,omitempty"`
	Type     string   `json:"type"`
	Version  string   `json:"version"`
	Groups   []string `json:"groups,omitempty"`
	UUID     string   `json:"uuid"`
	Key      string   `json:"key,omitempty"`
}

// BuildMetadata combines endpoint info with the current identity.
func BuildMetadata(endpoint EndpointInfo, info Info) Metadata {
	return Metadata{
		OS:       endpoint.OS,
		Platform: endpoint.Platform,
		Arch:     endpoint.Arch,
		IP:       endpoint.IP,
		Type:     agentType,
		Version:  productVersion,
		Groups:   info.Groups,
		UUID:     info.UUID,
		Key:      info.Key,
	}
}

// UserAgent builds the HTTP User-Agent header per §4.L.
func UserAgent(endpoint EndpointInfo) string {
	return fmt.Sprintf("%s/%s (%s; %s; %s)", productName, productVersion, agentType, endpoint.Arch, endpoint.Platform)
}
