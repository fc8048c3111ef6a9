package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/ciforge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers       = []byte("users")
	bucketApiKeys     = []byte("api_keys")
	bucketJobs        = []byte("jobs")
	bucketIdxKeyHash  = []byte("idx_api_keys_key_hash")
	bucketIdxJobsUser = []byte("idx_jobs_user_id")

	// bucketLegacyEvents is created for schema compatibility with the
	// system this store's data model was distilled from. Nothing reads
	// or writes it; it exists only so a future importer of that data
	// has somewhere to land it.
	bucketLegacyEvents = []byte("legacy_events")
)

// BoltStore implements Store using an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB file under dataDir
// and ensures every bucket this store needs exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ciforge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketApiKeys,
			bucketJobs,
			bucketIdxKeyHash,
			bucketIdxJobsUser,
			bucketLegacyEvents,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.ID), data)
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user not found: %s", id)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	var found *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			if user.Email == email {
				found = &user
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user not found: %s", email)
	}
	return found, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(user *types.User) error {
	return s.CreateUser(user) // upsert
}

// --- API keys ---

func (s *BoltStore) CreateApiKey(key *types.ApiKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putApiKey(tx, key)
	})
}

func (s *BoltStore) UpdateApiKey(key *types.ApiKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if existing, err := s.getApiKeyTx(tx, key.ID); err == nil && existing.KeyHash != key.KeyHash {
			tx.Bucket(bucketIdxKeyHash).Delete([]byte(existing.KeyHash))
		}
		return s.putApiKey(tx, key)
	})
}

func (s *BoltStore) putApiKey(tx *bolt.Tx, key *types.ApiKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketApiKeys).Put([]byte(key.ID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketIdxKeyHash).Put([]byte(key.KeyHash), []byte(key.ID))
}

func (s *BoltStore) getApiKeyTx(tx *bolt.Tx, id string) (*types.ApiKey, error) {
	data := tx.Bucket(bucketApiKeys).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("api key not found: %s", id)
	}
	var key types.ApiKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) GetApiKey(id string) (*types.ApiKey, error) {
	var key *types.ApiKey
	err := s.db.View(func(tx *bolt.Tx) error {
		k, err := s.getApiKeyTx(tx, id)
		key = k
		return err
	})
	return key, err
}

// GetApiKeyByHash resolves a key hash to its ApiKey via the secondary
// index bucket, avoiding a full bucket scan on every authenticated request.
func (s *BoltStore) GetApiKeyByHash(keyHash string) (*types.ApiKey, error) {
	var key *types.ApiKey
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketIdxKeyHash).Get([]byte(keyHash))
		if id == nil {
			return fmt.Errorf("api key not found")
		}
		k, err := s.getApiKeyTx(tx, string(id))
		key = k
		return err
	})
	return key, err
}

func (s *BoltStore) ListApiKeysByUser(userID string) ([]*types.ApiKey, error) {
	var keys []*types.ApiKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApiKeys)
		return b.ForEach(func(k, v []byte) error {
			var key types.ApiKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.UserID == userID {
				keys = append(keys, &key)
			}
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) DeleteApiKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key, err := s.getApiKeyTx(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxKeyHash).Delete([]byte(key.KeyHash)); err != nil {
			return err
		}
		return tx.Bucket(bucketApiKeys).Delete([]byte(id))
	})
}

// --- Jobs ---

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putJob(tx, job)
	})
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putJob(tx, job)
	})
}

func (s *BoltStore) putJob(tx *bolt.Tx, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
		return err
	}
	idx := tx.Bucket(bucketIdxJobsUser)
	return idx.Put(jobUserIndexKey(job.UserID, job.ID), nil)
}

// jobUserIndexKey composes a lexically sortable composite key so a single
// bucket can index jobs per user without one sub-bucket per user.
func jobUserIndexKey(userID, jobID string) []byte {
	return []byte(userID + "\x00" + jobID)
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobsByUser(userID string) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxJobsUser)
		prefix := []byte(userID + "\x00")
		c := idx.Cursor()
		jobsBucket := tx.Bucket(bucketJobs)
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			jobID := k[len(prefix):]
			data := jobsBucket.Get(jobID)
			if data == nil {
				continue
			}
			var job types.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortJobsByStartTimeDesc(jobs)
	return jobs, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortJobsByStartTimeDesc(jobs)
	return jobs, nil
}

// sortJobsByStartTimeDesc orders jobs newest-started first, with jobs that
// haven't started yet (nil StartedAt) sorted last.
func sortJobsByStartTimeDesc(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i].StartedAt, jobs[j].StartedAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.After(*b)
	})
}

func (s *BoltStore) Stats() (Stats, error) {
	stats := Stats{JobsByStatus: map[types.JobStatus]int{}}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.TotalUsers = tx.Bucket(bucketUsers).Stats().KeyN
		stats.TotalApiKeys = tx.Bucket(bucketApiKeys).Stats().KeyN
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			stats.JobsByStatus[job.Status]++
			return nil
		})
	})
	return stats, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
