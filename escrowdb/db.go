package escrowdb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/presign"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// contractBucket is the top level bucket. Every loan has a nested
	// bucket keyed by its id holding the contract record and a nested
	// template bucket.
	//
	// contracts
	//   <loanID>
	//     contract -> contract record
	//     templates
	//       <txType> -> template record
	contractBucket = []byte("contracts")

	// contractKey stores the contract record inside a loan bucket.
	contractKey = []byte("contract")

	// templateBucket is the nested bucket of a loan's templates.
	templateBucket = []byte("templates")

	// ErrContractNotFound is returned when no contract is stored for a
	// loan.
	ErrContractNotFound = errors.New("contract not found")

	// ErrContractExists is returned when creating a contract for a loan
	// that already has one.
	ErrContractExists = errors.New("contract already exists")

	// ErrTemplateNotFound is returned when a loan has no template of the
	// requested type.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrCorruptRecord is returned for stored records that cannot be
	// decoded or are inconsistent.
	ErrCorruptRecord = errors.New("corrupt escrow record")
)

// DB persists escrow contracts and their templates. Private keys are never
// passed to it.
type DB struct {
	kvdb.Backend
}

// New creates the top level bucket if needed and wraps the backend.
func New(backend kvdb.Backend) (*DB, error) {
	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(contractBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create escrow buckets: %w", err)
	}

	return &DB{Backend: backend}, nil
}

// CreateContract stores a new contract. It fails with ErrContractExists if
// the loan already has one.
func (d *DB) CreateContract(c *escrow.Contract) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		contracts := tx.ReadWriteBucket(contractBucket)
		if contracts == nil {
			return kvdb.ErrBucketNotFound
		}

		if contracts.NestedReadBucket([]byte(c.LoanID)) != nil {
			return fmt.Errorf("%w: %v", ErrContractExists, c.LoanID)
		}

		loanBucket, err := contracts.CreateBucket([]byte(c.LoanID))
		if err != nil {
			return err
		}
		if _, err := loanBucket.CreateBucket(templateBucket); err != nil {
			return err
		}

		log.Debugf("Creating contract %v at %v", c.LoanID, c.Address)

		return putContract(loanBucket, c)
	}, func() {})
}

// UpdateContract overwrites the record of an existing contract.
func (d *DB) UpdateContract(c *escrow.Contract) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		loanBucket, err := fetchLoanBucket(tx, c.LoanID)
		if err != nil {
			return err
		}

		return putContract(loanBucket, c)
	}, func() {})
}

// FetchContract loads the contract of a loan.
func (d *DB) FetchContract(loanID string) (*escrow.Contract, error) {
	var c *escrow.Contract
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		contracts := tx.ReadBucket(contractBucket)
		if contracts == nil {
			return kvdb.ErrBucketNotFound
		}

		loanBucket := contracts.NestedReadBucket([]byte(loanID))
		if loanBucket == nil {
			return fmt.Errorf("%w: %v", ErrContractNotFound, loanID)
		}

		var err error
		c, err = fetchContract(loanID, loanBucket)

		return err
	}, func() {
		c = nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ListContracts returns every stored contract.
func (d *DB) ListContracts() ([]*escrow.Contract, error) {
	var contracts []*escrow.Contract
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(contractBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.ForEach(func(k, v []byte) error {
			// Only nested buckets are expected at this level.
			if v != nil {
				return nil
			}

			c, err := fetchContract(
				string(k), bucket.NestedReadBucket(k),
			)
			if err != nil {
				return err
			}
			contracts = append(contracts, c)

			return nil
		})
	}, func() {
		contracts = nil
	})
	if err != nil {
		return nil, err
	}

	return contracts, nil
}

// PutTemplate stores a template, replacing any earlier one of the same type
// for the loan.
func (d *DB) PutTemplate(t *presign.Template) error {
	var buf bytes.Buffer
	if err := serializeTemplate(&buf, t); err != nil {
		return err
	}

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		loanBucket, err := fetchLoanBucket(tx, t.LoanID)
		if err != nil {
			return err
		}

		templates := loanBucket.NestedReadWriteBucket(templateBucket)
		if templates == nil {
			return kvdb.ErrBucketNotFound
		}

		return templates.Put([]byte{byte(t.Type)}, buf.Bytes())
	}, func() {})
}

// FetchTemplate loads the template of the given type.
func (d *DB) FetchTemplate(loanID string,
	txType presign.TxType) (*presign.Template, error) {

	var t *presign.Template
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		templates, err := fetchTemplateBucket(tx, loanID)
		if err != nil {
			return err
		}

		v := templates.Get([]byte{byte(txType)})
		if v == nil {
			return fmt.Errorf("%w: %v of %v", ErrTemplateNotFound,
				txType, loanID)
		}

		t, err = deserializeTemplate(loanID, bytes.NewReader(v))

		return err
	}, func() {
		t = nil
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

// FetchTemplates loads every template of a loan, ordered by type.
func (d *DB) FetchTemplates(loanID string) ([]*presign.Template, error) {
	var templates []*presign.Template
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket, err := fetchTemplateBucket(tx, loanID)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(_, v []byte) error {
			t, err := deserializeTemplate(loanID, bytes.NewReader(v))
			if err != nil {
				return err
			}
			templates = append(templates, t)

			return nil
		})
	}, func() {
		templates = nil
	})
	if err != nil {
		return nil, err
	}

	return templates, nil
}

// fetchLoanBucket returns the writable bucket of a loan.
func fetchLoanBucket(tx kvdb.RwTx, loanID string) (kvdb.RwBucket, error) {
	contracts := tx.ReadWriteBucket(contractBucket)
	if contracts == nil {
		return nil, kvdb.ErrBucketNotFound
	}

	loanBucket := contracts.NestedReadWriteBucket([]byte(loanID))
	if loanBucket == nil {
		return nil, fmt.Errorf("%w: %v", ErrContractNotFound, loanID)
	}

	return loanBucket, nil
}

// fetchTemplateBucket returns the template bucket of a loan.
func fetchTemplateBucket(tx kvdb.RTx, loanID string) (kvdb.RBucket, error) {
	contracts := tx.ReadBucket(contractBucket)
	if contracts == nil {
		return nil, kvdb.ErrBucketNotFound
	}

	loanBucket := contracts.NestedReadBucket([]byte(loanID))
	if loanBucket == nil {
		return nil, fmt.Errorf("%w: %v", ErrContractNotFound, loanID)
	}

	templates := loanBucket.NestedReadBucket(templateBucket)
	if templates == nil {
		return nil, kvdb.ErrBucketNotFound
	}

	return templates, nil
}

func putContract(loanBucket kvdb.RwBucket, c *escrow.Contract) error {
	var buf bytes.Buffer
	if err := serializeContract(&buf, c); err != nil {
		return err
	}

	return loanBucket.Put(contractKey, buf.Bytes())
}

func fetchContract(loanID string,
	loanBucket kvdb.RBucket) (*escrow.Contract, error) {

	v := loanBucket.Get(contractKey)
	if v == nil {
		return nil, fmt.Errorf("%w: loan %v has no contract record",
			ErrCorruptRecord, loanID)
	}

	return deserializeContract(loanID, bytes.NewReader(v))
}
