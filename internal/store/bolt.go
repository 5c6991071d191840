// Package store persists hub state in a bbolt database: one bucket per
// domain, JSON values, and AES-GCM sealing for secret material.
package store

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sonde-sh/sonde/internal/audit"
	"github.com/sonde-sh/sonde/internal/auth"
)

var (
	bucketAgents            = []byte("agents")       // agent id -> Agent
	bucketAgentNames        = []byte("agent_names")  // agent name -> agent id
	bucketEnrollTokens      = []byte("enroll_tokens")// token hash -> EnrollToken
	bucketAPIKeys           = []byte("api_keys")     // key id -> APIKey
	bucketAPIKeyHashes      = []byte("api_key_hashes") // key hash -> key id
	bucketCA                = []byte("ca")           // sealed CA material
	bucketAudit             = []byte("audit")        // sequence -> audit.Entry
	bucketIntegrations      = []byte("integrations") // integration id -> sealed Integration
	bucketIntegrationEvents = []byte("integration_events") // seq -> IntegrationEvent
	bucketSettings          = []byte("settings")     // misc key/value
	bucketSchema            = []byte("schema")       // migration bookkeeping
)

var allBuckets = [][]byte{
	bucketAgents, bucketAgentNames, bucketEnrollTokens,
	bucketAPIKeys, bucketAPIKeyHashes, bucketCA, bucketAudit,
	bucketIntegrations, bucketIntegrationEvents, bucketSettings, bucketSchema,
}

var (
	keySalt              = []byte("seal_salt")
	keySecretFingerprint = []byte("seal_fingerprint")
	keySchemaVersion     = []byte("version")
	keyAuditHead         = []byte("audit_head") // hash of the newest audit entry
)

// ErrNotFound is returned for lookups that match nothing.
var ErrNotFound = fmt.Errorf("not found")

// Store wraps the bbolt database.
type Store struct {
	db   *bolt.DB
	seal *sealer // nil when no secret is configured
}

// Open opens (creating if needed) the database at path and runs migrations.
// A non-empty secret enables at-rest sealing of CA keys and credentials.
func Open(path, secret string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(secret); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init(secret string) error {
	var salt []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		settings := tx.Bucket(bucketSettings)
		salt = settings.Get(keySalt)
		if salt == nil {
			salt = randomSalt()
			if err := settings.Put(keySalt, salt); err != nil {
				return err
			}
		}
		if secret == "" {
			return nil
		}
		fp := secretFingerprint(secret, salt)
		stored := settings.Get(keySecretFingerprint)
		if stored == nil {
			return settings.Put(keySecretFingerprint, []byte(fp))
		}
		if string(stored) != fp {
			return fmt.Errorf("SONDE_SECRET does not match the secret this database was created with")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if secret != "" {
		s.seal, err = newSealer(secret, salt)
	}
	return err
}

// migrate applies pending schema migrations, each in its own transaction so
// a crash leaves the version marker consistent with the applied changes.
func (s *Store) migrate() error {
	for {
		var version uint64
		if err := s.db.View(func(tx *bolt.Tx) error {
			if v := tx.Bucket(bucketSchema).Get(keySchemaVersion); v != nil {
				version = binary.BigEndian.Uint64(v)
			}
			return nil
		}); err != nil {
			return err
		}
		if int(version) >= len(migrations) {
			return nil
		}
		next := version + 1
		if err := s.db.Update(func(tx *bolt.Tx) error {
			if err := migrations[version](tx); err != nil {
				return fmt.Errorf("migration %d: %w", next, err)
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, next)
			return tx.Bucket(bucketSchema).Put(keySchemaVersion, buf)
		}); err != nil {
			return err
		}
	}
}

// migrations are applied in order; the schema version records how many have
// run. Append only.
var migrations = []func(tx *bolt.Tx) error{
	// 1: initial schema, buckets created in init.
	func(tx *bolt.Tx) error { return nil },
}

func randomSalt() []byte {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return buf
}

// --- agents ---

// SaveAgent persists the agent record and its name index entry.
func (s *Store) SaveAgent(a *Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAgents).Put([]byte(a.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketAgentNames).Put([]byte(a.Name), []byte(a.ID))
	})
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	var a Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgentByName fetches an agent through the name index.
func (s *Store) GetAgentByName(name string) (*Agent, error) {
	var a Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAgentNames).Get([]byte(name))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketAgents).Get(id)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgents returns all agent records.
func (s *Store) ListAgents() ([]*Agent, error) {
	var out []*Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

// DeleteAgent removes an agent and its name index entry.
func (s *Store) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		agents := tx.Bucket(bucketAgents)
		data := agents.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var a Agent
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAgentNames).Delete([]byte(a.Name)); err != nil {
			return err
		}
		return agents.Delete([]byte(id))
	})
}

// --- enrollment tokens ---

// SaveEnrollToken persists a token keyed by its hash.
func (s *Store) SaveEnrollToken(t *auth.EnrollToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEnrollTokens).Put([]byte(t.Hash), data)
	})
}

// GetEnrollToken looks a token up by the hash of its plaintext.
func (s *Store) GetEnrollToken(hash string) (*auth.EnrollToken, error) {
	var t auth.EnrollToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEnrollTokens).Get([]byte(hash))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConsumeEnrollToken atomically marks an unused token as used. It fails if
// the token is unknown, expired, or already consumed, which makes token
// replay a single-winner race.
func (s *Store) ConsumeEnrollToken(hash, usedBy string, now time.Time) (*auth.EnrollToken, error) {
	var t auth.EnrollToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollTokens)
		data := b.Get([]byte(hash))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.Used() {
			return fmt.Errorf("token already used")
		}
		if t.Expired(now) {
			return fmt.Errorf("token expired")
		}
		t.UsedAt = now
		t.UsedBy = usedBy
		updated, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), updated)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- api keys ---

// SaveAPIKey persists a key record and its hash index entry.
func (s *Store) SaveAPIKey(k *auth.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(k)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAPIKeys).Put([]byte(k.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketAPIKeyHashes).Put([]byte(k.Hash), []byte(k.ID))
	})
}

// GetAPIKeyByHash resolves a presented key's hash to its record.
func (s *Store) GetAPIKeyByHash(hash string) (*auth.APIKey, error) {
	var k auth.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAPIKeyHashes).Get([]byte(hash))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketAPIKeys).Get(id)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &k)
	})
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// TouchAPIKey updates the key's last-used timestamp.
func (s *Store) TouchAPIKey(id string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var k auth.APIKey
		if err := json.Unmarshal(data, &k); err != nil {
			return err
		}
		k.LastUsed = now
		updated, err := json.Marshal(&k)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// DeleteAPIKey revokes a key.
func (s *Store) DeleteAPIKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var k auth.APIKey
		if err := json.Unmarshal(data, &k); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAPIKeyHashes).Delete([]byte(k.Hash)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// --- CA material ---

// PutCA stores the CA bundle, sealed when a secret is configured.
func (s *Store) PutCA(key string, pem []byte) error {
	data := pem
	if s.seal != nil {
		var err error
		data, err = s.seal.Seal(pem)
		if err != nil {
			return err
		}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte(key), data)
	})
}

// GetCA fetches a CA bundle entry, unsealing it if needed.
func (s *Store) GetCA(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.seal != nil {
		return s.seal.Open(data)
	}
	return data, nil
}

// --- audit chain ---

// AppendAudit appends an entry to the hub audit chain. The sequence number,
// timestamp, and previous-hash link are assigned inside the transaction, so
// concurrent appends serialize into a single chain.
func (s *Store) AppendAudit(e audit.Entry) (audit.Entry, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = int64(seq)
		if e.Timestamp == "" {
			e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		}
		settings := tx.Bucket(bucketSettings)
		if head := settings.Get(keyAuditHead); head != nil {
			e.PrevHash = string(head)
		}
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		if err := b.Put(u64key(seq), data); err != nil {
			return err
		}
		return settings.Put(keyAuditHead, []byte(audit.Hash(&e)))
	})
	return e, err
}

// ListAudit returns up to limit newest entries, oldest first. limit <= 0
// returns the full chain.
func (s *Store) ListAudit(limit int) ([]audit.Entry, error) {
	var out []audit.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e audit.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// VerifyAudit walks the full stored chain.
func (s *Store) VerifyAudit() (audit.VerifyResult, error) {
	entries, err := s.ListAudit(0)
	if err != nil {
		return audit.VerifyResult{}, err
	}
	return audit.VerifyChain(entries), nil
}

// --- integrations ---

// SaveIntegration persists an integration; the full record is sealed because
// it embeds credentials.
func (s *Store) SaveIntegration(in *Integration) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	if s.seal != nil {
		if data, err = s.seal.Seal(data); err != nil {
			return err
		}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntegrations).Put([]byte(in.ID), data)
	})
}

// GetIntegration fetches one integration by id.
func (s *Store) GetIntegration(id string) (*Integration, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIntegrations).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.decodeIntegration(raw)
}

// GetIntegrationByPack returns the first enabled integration for a pack.
func (s *Store) GetIntegrationByPack(pack string) (*Integration, error) {
	all, err := s.ListIntegrations()
	if err != nil {
		return nil, err
	}
	for _, in := range all {
		if in.Pack == pack && in.Enabled {
			return in, nil
		}
	}
	return nil, ErrNotFound
}

// ListIntegrations returns every configured integration.
func (s *Store) ListIntegrations() ([]*Integration, error) {
	var raws [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntegrations).ForEach(func(_, v []byte) error {
			raws = append(raws, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Integration, 0, len(raws))
	for _, raw := range raws {
		in, err := s.decodeIntegration(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// DeleteIntegration removes an integration and all of its events.
func (s *Store) DeleteIntegration(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketIntegrations).Delete([]byte(id)); err != nil {
			return err
		}
		// cascade: drop the integration's events
		events := tx.Bucket(bucketIntegrationEvents)
		c := events.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev IntegrationEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.IntegrationID == id {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) decodeIntegration(raw []byte) (*Integration, error) {
	if s.seal != nil {
		var err error
		if raw, err = s.seal.Open(raw); err != nil {
			return nil, err
		}
	}
	var in Integration
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// AppendIntegrationEvent records an integration event.
func (s *Store) AppendIntegrationEvent(ev IntegrationEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntegrationEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.ID = seq
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		data, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		return b.Put(u64key(seq), data)
	})
}

// ListIntegrationEvents returns the events for one integration, oldest first.
func (s *Store) ListIntegrationEvents(integrationID string) ([]IntegrationEvent, error) {
	var out []IntegrationEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntegrationEvents).ForEach(func(_, v []byte) error {
			var ev IntegrationEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.IntegrationID == integrationID {
				out = append(out, ev)
			}
			return nil
		})
	})
	return out, err
}

// --- settings ---

// PutSetting stores a settings value.
func (s *Store) PutSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// GetSetting fetches a settings value ("" when absent).
func (s *Store) GetSetting(key string) (string, error) {
	var v string
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketSettings).Get([]byte(key)); data != nil {
			v = string(data)
		}
		return nil
	})
	return v, err
}

func u64key(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}
