// Package storage is the durable side of the service: parties,
// credentials, revocations and status lists on a SQL database, with the
// per-list serialization the credential index allocation depends on.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ssilab/ssi-service/internal/model"
)

// ErrNotFound is returned for absent parties, credentials and lists.
var ErrNotFound = errors.New("not found")

// CommitFunc produces the merkle commitment for a set of attributes. It
// runs inside the issuance transaction, between index allocation and the
// credential insert.
type CommitFunc func(attrs map[string]interface{}) (model.Merkle, error)

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm handle (tests use sqlite here) and
// migrates the schema.
func NewWithDB(db *gorm.DB) (*Store, error) {
	err := db.AutoMigrate(
		&issuerRow{}, &holderRow{}, &verifierRow{},
		&credentialRow{}, &revocationRow{}, &statusListRow{},
	)
	if err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &Store{db: db}, nil
}

// Ping checks database liveness for the health probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "database handle")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "database ping")
}

// SaveParty upserts a party row by DID.
func (s *Store) SaveParty(ctx context.Context, role model.Role, label, did string, doc model.DIDDoc) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "serialize DID document")
	}
	db := s.db.WithContext(ctx)
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns(partyLabelColumns(role)),
	}
	switch role {
	case model.RoleIssuer:
		return errors.Wrap(db.Clauses(onConflict).Create(&issuerRow{DID: did, Name: label, DIDDoc: buf}).Error, "save issuer")
	case model.RoleHolder:
		return errors.Wrap(db.Clauses(onConflict).Create(&holderRow{DID: did, Label: label, DIDDoc: buf}).Error, "save holder")
	case model.RoleVerifier:
		return errors.Wrap(db.Clauses(onConflict).Create(&verifierRow{DID: did, Label: label, DIDDoc: buf}).Error, "save verifier")
	}
	return errors.Errorf("unknown role %q", role)
}

func partyLabelColumns(role model.Role) []string {
	if role == model.RoleIssuer {
		return []string{"name", "did_doc"}
	}
	return []string{"label", "did_doc"}
}

func partyFromColumns(did, label string, doc []byte) (*model.Party, error) {
	p := &model.Party{DID: did, Label: label}
	if err := json.Unmarshal(doc, &p.Doc); err != nil {
		return nil, errors.Wrap(err, "parse DID document")
	}
	return p, nil
}

// DefaultParty returns the first-bootstrapped party of a role. Ordering by
// creation time keeps the selection deterministic across restarts.
func (s *Store) DefaultParty(ctx context.Context, role model.Role) (*model.Party, error) {
	return s.findParty(ctx, role, "")
}

// PartyByDID looks a party up inside its role's table.
func (s *Store) PartyByDID(ctx context.Context, role model.Role, did string) (*model.Party, error) {
	if did == "" {
		return nil, errors.Wrap(ErrNotFound, string(role))
	}
	return s.findParty(ctx, role, did)
}

func (s *Store) findParty(ctx context.Context, role model.Role, did string) (*model.Party, error) {
	db := s.db.WithContext(ctx).Order("created_at, did")
	if did != "" {
		db = db.Where("did = ?", did)
	}
	switch role {
	case model.RoleIssuer:
		var row issuerRow
		if err := db.First(&row).Error; err != nil {
			return nil, wrapFind(err, role)
		}
		return partyFromColumns(row.DID, row.Name, row.DIDDoc)
	case model.RoleHolder:
		var row holderRow
		if err := db.First(&row).Error; err != nil {
			return nil, wrapFind(err, role)
		}
		return partyFromColumns(row.DID, row.Label, row.DIDDoc)
	case model.RoleVerifier:
		var row verifierRow
		if err := db.First(&row).Error; err != nil {
			return nil, wrapFind(err, role)
		}
		return partyFromColumns(row.DID, row.Label, row.DIDDoc)
	}
	return nil, errors.Errorf("unknown role %q", role)
}

func wrapFind(err error, role model.Role) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(ErrNotFound, string(role))
	}
	return errors.Wrapf(err, "find %s", role)
}

// ListID names the status list of an issuer.
func ListID(issuerDID string) string {
	return "status:" + issuerDID
}

// lockForUpdate adds a row lock where the dialect supports one. SQLite
// has no FOR UPDATE; tests run it on a single connection, which
// serializes transactions anyway.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// CreateCredential allocates the next index in the issuer's status list
// and inserts the credential in one transaction. The statuslists row is
// locked for the duration, so two concurrent issuances for the same
// issuer get distinct, consecutive indices.
func (s *Store) CreateCredential(ctx context.Context, issuerDID, subjectDID string, attrs map[string]interface{}, commit CommitFunc) (*model.Credential, error) {
	var cred *model.Credential
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		listID := ListID(issuerDID)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&statusListRow{ListID: listID, Issuer: issuerDID, Bitmap: []byte{}}).Error; err != nil {
			return errors.Wrap(err, "ensure status list")
		}
		var listRow statusListRow
		if err := lockForUpdate(tx).
			First(&listRow, "list_id = ?", listID).Error; err != nil {
			return errors.Wrap(err, "lock status list")
		}

		var maxIdx int
		err := tx.Model(&credentialRow{}).
			Where("list_id = ?", listID).
			Select("COALESCE(MAX(status_index), -1)").
			Scan(&maxIdx).Error
		if err != nil {
			return errors.Wrap(err, "read max index")
		}
		index := maxIdx + 1

		mk, err := commit(attrs)
		if err != nil {
			return err
		}

		c := model.Credential{
			ID:       fmt.Sprintf("cred:%s:%d", issuerDID, index),
			Issuer:   issuerDID,
			Subject:  subjectDID,
			Schema:   model.SchemaStudentID,
			Attrs:    attrs,
			Merkle:   mk,
			Status:   model.StatusRef{ListID: listID, Index: index},
			IssuedAt: time.Now().Unix(),
		}
		row, err := rowFromCredential(&c)
		if err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return errors.Wrap(err, "insert credential")
		}
		cred = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func rowFromCredential(c *model.Credential) (*credentialRow, error) {
	attrs, err := json.Marshal(c.Attrs)
	if err != nil {
		return nil, errors.Wrap(err, "serialize attributes")
	}
	mk, err := json.Marshal(c.Merkle)
	if err != nil {
		return nil, errors.Wrap(err, "serialize merkle commitment")
	}
	status, err := json.Marshal(c.Status)
	if err != nil {
		return nil, errors.Wrap(err, "serialize status ref")
	}
	return &credentialRow{
		ID:          c.ID,
		Issuer:      c.Issuer,
		Subject:     c.Subject,
		Schema:      c.Schema,
		Attrs:       attrs,
		Merkle:      mk,
		Status:      status,
		ListID:      c.Status.ListID,
		StatusIndex: c.Status.Index,
		IssuedAt:    c.IssuedAt,
	}, nil
}

func credentialFromRow(row *credentialRow) (*model.Credential, error) {
	c := &model.Credential{
		ID:       row.ID,
		Issuer:   row.Issuer,
		Subject:  row.Subject,
		Schema:   row.Schema,
		IssuedAt: row.IssuedAt,
	}
	if err := json.Unmarshal(row.Attrs, &c.Attrs); err != nil {
		return nil, errors.Wrap(err, "parse attributes")
	}
	if err := json.Unmarshal(row.Merkle, &c.Merkle); err != nil {
		return nil, errors.Wrap(err, "parse merkle commitment")
	}
	if err := json.Unmarshal(row.Status, &c.Status); err != nil {
		return nil, errors.Wrap(err, "parse status ref")
	}
	return c, nil
}

// Credential fetches one credential by id.
func (s *Store) Credential(ctx context.Context, id string) (*model.Credential, error) {
	var row credentialRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(ErrNotFound, id)
		}
		return nil, errors.Wrap(err, "find credential")
	}
	return credentialFromRow(&row)
}

// CredentialsForHolder lists the credentials whose subject is the holder.
func (s *Store) CredentialsForHolder(ctx context.Context, did string) ([]model.Credential, error) {
	var rows []credentialRow
	err := s.db.WithContext(ctx).
		Where("subject = ?", did).
		Order("issued_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list credentials")
	}
	out := make([]model.Credential, 0, len(rows))
	for i := range rows {
		c, err := credentialFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// Revoke records the credential's index in the revocations table and
// flips the bit in the stored bitmap, growing it if needed. Both happen
// under the status list's row lock so readers never observe a revoked
// credential as valid. Revoking twice is a no-op.
func (s *Store) Revoke(ctx context.Context, credID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cred credentialRow
		if err := tx.Select("id", "list_id", "status_index").First(&cred, "id = ?", credID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrap(ErrNotFound, credID)
			}
			return errors.Wrap(err, "find credential")
		}

		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&revocationRow{ListID: cred.ListID, Idx: cred.StatusIndex}).Error
		if err != nil {
			return errors.Wrap(err, "insert revocation")
		}

		var list statusListRow
		if err := lockForUpdate(tx).
			First(&list, "list_id = ?", cred.ListID).Error; err != nil {
			return errors.Wrap(err, "lock status list")
		}
		bitmap := setBit(list.Bitmap, cred.StatusIndex)
		err = tx.Model(&statusListRow{}).
			Where("list_id = ?", cred.ListID).
			Update("bitmap", bitmap).Error
		return errors.Wrap(err, "update bitmap")
	})
}

// Publish re-derives the bitmap from the revocations table, persists it
// and returns the hex-encoded status list document. The bitmap spans
// max_index+1 bits, or none when the list has no credentials.
func (s *Store) Publish(ctx context.Context, listID string) (*model.StatusListDoc, error) {
	var doc *model.StatusListDoc
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		issuer := strings.TrimPrefix(listID, "status:")
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&statusListRow{ListID: listID, Issuer: issuer, Bitmap: []byte{}}).Error; err != nil {
			return errors.Wrap(err, "ensure status list")
		}
		if err := lockForUpdate(tx).
			First(&statusListRow{}, "list_id = ?", listID).Error; err != nil {
			return errors.Wrap(err, "lock status list")
		}

		var count int64
		if err := tx.Model(&credentialRow{}).Where("list_id = ?", listID).Count(&count).Error; err != nil {
			return errors.Wrap(err, "count credentials")
		}
		bitmap := []byte{}
		if count > 0 {
			var maxIdx int
			err := tx.Model(&credentialRow{}).
				Where("list_id = ?", listID).
				Select("COALESCE(MAX(status_index), 0)").
				Scan(&maxIdx).Error
			if err != nil {
				return errors.Wrap(err, "read max index")
			}
			bitmap = make([]byte, (maxIdx+8)/8)

			var revoked []revocationRow
			if err := tx.Where("list_id = ?", listID).Find(&revoked).Error; err != nil {
				return errors.Wrap(err, "read revocations")
			}
			for _, r := range revoked {
				bitmap = setBit(bitmap, r.Idx)
			}
		}

		err := tx.Model(&statusListRow{}).
			Where("list_id = ?", listID).
			Update("bitmap", bitmap).Error
		if err != nil {
			return errors.Wrap(err, "store bitmap")
		}
		doc = &model.StatusListDoc{
			ID:       listID,
			Encoding: "bitset",
			Data:     fmt.Sprintf("%x", bitmap),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// IsRevoked reads the persisted bitmap. An absent list or an index beyond
// the bitmap means not revoked.
func (s *Store) IsRevoked(ctx context.Context, listID string, idx int) (bool, error) {
	var row statusListRow
	if err := s.db.WithContext(ctx).First(&row, "list_id = ?", listID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "read status list")
	}
	byteIdx := idx / 8
	if idx < 0 || byteIdx >= len(row.Bitmap) {
		return false, nil
	}
	return row.Bitmap[byteIdx]&(1<<(idx%8)) != 0, nil
}

// setBit grows the bitmap as needed and sets bit idx (little-endian
// packing: bit i lives in byte i/8 at position i%8).
func setBit(bitmap []byte, idx int) []byte {
	byteIdx := idx / 8
	if byteIdx >= len(bitmap) {
		grown := make([]byte, byteIdx+1)
		copy(grown, bitmap)
		bitmap = grown
	}
	bitmap[byteIdx] |= 1 << (idx % 8)
	return bitmap
}

// Reset truncates every table. Administrative use only.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"credentials", "revocations", "statuslists", "issuers", "holders", "verifiers"}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range tables {
			if err := tx.Exec("DELETE FROM " + t).Error; err != nil {
				return errors.Wrapf(err, "truncate %s", t)
			}
		}
		return nil
	})
}
