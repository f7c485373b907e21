// Package acctmgr implements the account-manager protocol: the signed
// status report, the reply reconciliation against the local project
// set, and the retry and starvation re-arm schedules.
package acctmgr

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	infoFile  = "acct_mgr_info.xml"
	loginFile = "acct_mgr_login.dat"
)

// Info is the durable record of the account manager the agent is bound
// to, split on disk into a public identity file and an encrypted
// credential file.
type Info struct {
	MasterURL  string
	Name       string
	SigningKey string

	// Credentials: either a login name with a password hash, or an
	// opaque authenticator.
	LoginName     string
	PasswordHash  string
	Authenticator string

	UserName string
	TeamName string

	// OpaqueData is round-tripped to the manager verbatim.
	OpaqueData string

	PreviousHostCPID string
	NextRPCTime      time.Time
	FailureCount     int

	// Behavior flags reported by the manager.
	Dynamic          bool
	NoProjectNotices bool
	SendTasksAll     bool
	SendTasksActive  bool
	CookieRequired   bool
	CookieFailureURL string
}

// Attached reports whether an account manager is configured.
func (i *Info) Attached() bool { return i.MasterURL != "" }

// --- persisted formats ---

type infoXML struct {
	XMLName          xml.Name `xml:"acct_mgr_info"`
	MasterURL        string   `xml:"acct_mgr_url"`
	Name             string   `xml:"acct_mgr_name"`
	SigningKey       string   `xml:"signing_key,omitempty"`
	CookieRequired   bool     `xml:"cookie_required,omitempty"`
	CookieFailureURL string   `xml:"cookie_failure_url,omitempty"`
	SendTasksAll     bool     `xml:"send_tasks_all,omitempty"`
	SendTasksActive  bool     `xml:"send_tasks_active,omitempty"`
}

type loginXML struct {
	XMLName          xml.Name `xml:"acct_mgr_login"`
	LoginName        string   `xml:"login,omitempty"`
	PasswordHash     string   `xml:"password_hash,omitempty"`
	Authenticator    string   `xml:"authenticator,omitempty"`
	UserName         string   `xml:"user_name,omitempty"`
	TeamName         string   `xml:"team_name,omitempty"`
	OpaqueData       string   `xml:"opaque,omitempty"`
	PreviousHostCPID string   `xml:"previous_host_cpid,omitempty"`
	NextRPCTime      int64    `xml:"next_rpc_time,omitempty"`
	FailureCount     int      `xml:"nfailures,omitempty"`
	Dynamic          bool     `xml:"dynamic,omitempty"`
	NoProjectNotices bool     `xml:"no_project_notices,omitempty"`
}

// sealedRecord wraps the credential file. The key is derived from the
// local control passphrase with Argon2id and the payload sealed with
// XChaCha20-Poly1305, so a copied data directory does not leak manager
// credentials.
type sealedRecord struct {
	Algorithm string `json:"algorithm"`
	Salt      string `json:"salt"`
	Data      string `json:"data"`
}

// Save writes both records under dir, sealing the credential record
// with passphrase.
func (i *Info) Save(dir, passphrase string) error {
	pub, err := xml.MarshalIndent(infoXML{
		MasterURL:        i.MasterURL,
		Name:             i.Name,
		SigningKey:       i.SigningKey,
		CookieRequired:   i.CookieRequired,
		CookieFailureURL: i.CookieFailureURL,
		SendTasksAll:     i.SendTasksAll,
		SendTasksActive:  i.SendTasksActive,
	}, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, infoFile), pub, 0600); err != nil {
		return err
	}

	login, err := xml.MarshalIndent(loginXML{
		LoginName:        i.LoginName,
		PasswordHash:     i.PasswordHash,
		Authenticator:    i.Authenticator,
		UserName:         i.UserName,
		TeamName:         i.TeamName,
		OpaqueData:       i.OpaqueData,
		PreviousHostCPID: i.PreviousHostCPID,
		NextRPCTime:      unixOrZero(i.NextRPCTime),
		FailureCount:     i.FailureCount,
		Dynamic:          i.Dynamic,
		NoProjectNotices: i.NoProjectNotices,
	}, "", "    ")
	if err != nil {
		return err
	}
	sealed, err := seal(login, passphrase)
	if err != nil {
		return fmt.Errorf("seal manager credentials: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, loginFile), sealed, 0600)
}

// Load restores the manager record from dir. A missing identity file
// means no manager is configured and yields a zero Info.
func Load(dir, passphrase string) (Info, error) {
	var info Info

	pub, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, err
	}
	var ix infoXML
	if err := xml.Unmarshal(pub, &ix); err != nil {
		return info, fmt.Errorf("parse manager record: %w", err)
	}
	info.MasterURL = ix.MasterURL
	info.Name = ix.Name
	info.SigningKey = ix.SigningKey
	info.CookieRequired = ix.CookieRequired
	info.CookieFailureURL = ix.CookieFailureURL
	info.SendTasksAll = ix.SendTasksAll
	info.SendTasksActive = ix.SendTasksActive

	sealed, err := os.ReadFile(filepath.Join(dir, loginFile))
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, err
	}
	login, err := open(sealed, passphrase)
	if err != nil {
		return info, fmt.Errorf("open manager credentials: %w", err)
	}
	var lx loginXML
	if err := xml.Unmarshal(login, &lx); err != nil {
		return info, fmt.Errorf("parse manager credentials: %w", err)
	}
	info.LoginName = lx.LoginName
	info.PasswordHash = lx.PasswordHash
	info.Authenticator = lx.Authenticator
	info.UserName = lx.UserName
	info.TeamName = lx.TeamName
	info.OpaqueData = lx.OpaqueData
	info.PreviousHostCPID = lx.PreviousHostCPID
	if lx.NextRPCTime > 0 {
		info.NextRPCTime = time.Unix(lx.NextRPCTime, 0)
	}
	info.FailureCount = lx.FailureCount
	info.Dynamic = lx.Dynamic
	info.NoProjectNotices = lx.NoProjectNotices
	return info, nil
}

// RemoveFiles deletes both persisted records (manager detach).
func RemoveFiles(dir string) {
	os.Remove(filepath.Join(dir, infoFile))
	os.Remove(filepath.Join(dir, loginFile))
}

func seal(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return json.MarshalIndent(sealedRecord{
		Algorithm: "argon2id",
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Data:      base64.StdEncoding.EncodeToString(out),
	}, "", "  ")
}

func open(data []byte, passphrase string) ([]byte, error) {
	var rec sealedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("credential record truncated")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
