package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

const txKeyPrefix = "tx/"

// KVTxStore is a TxStore kept in a KVStore, so keyed requests survive a
// restart when the KVStore is durable.
type KVTxStore struct {
	kv KVStore
}

func NewKVTxStore(kv KVStore) *KVTxStore {
	return &KVTxStore{kv: kv}
}

func (s *KVTxStore) Get(idempotencyKey string) (*models.Transaction, error) {
	raw, err := s.kv.Get(txKeyPrefix + idempotencyKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tx models.Transaction
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", idempotencyKey, err)
	}
	return &tx, nil
}

// Put stores tx without its signed bytes.
func (s *KVTxStore) Put(idempotencyKey string, tx *models.Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode tx %s: %w", idempotencyKey, err)
	}
	return s.kv.Set(txKeyPrefix+idempotencyKey, string(raw))
}
