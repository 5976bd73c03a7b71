package models

import "time"

// Plan is a credit package a profile can hold.
type Plan string

const (
	PlanBasic   Plan = "basic"
	PlanPremium Plan = "premium"
	PlanUltra   Plan = "ultra"
)

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanBasic, PlanPremium, PlanUltra:
		return true
	}
	return false
}

// Profile is the account record for an external identity.
type Profile struct {
	OwnerID       string    `json:"owner_id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	ImageURL      string    `json:"image_url"`
	CreditBalance int64     `json:"credits"`
	Plan          Plan      `json:"plan"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FileRecord represents file metadata stored in TiDB.
// PubliclyShared is true exactly when ShareToken is non-nil.
type FileRecord struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	OriginalName   string    `json:"original_file_name"`
	MimeType       string    `json:"file_type"`
	SizeBytes      int64     `json:"file_size"`
	StoragePath    string    `json:"-"`
	PublicURL      string    `json:"public_url"`
	Checksum       string    `json:"checksum"`
	PubliclyShared bool      `json:"publicly_shared"`
	ShareToken     *string   `json:"share_token"`
	DownloadCount  int64     `json:"download_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileView is the read-only projection served to anonymous share-link visitors.
type FileView struct {
	ID            string    `json:"id"`
	OriginalName  string    `json:"original_file_name"`
	MimeType      string    `json:"file_type"`
	SizeBytes     int64     `json:"file_size"`
	PublicURL     string    `json:"public_url"`
	DownloadCount int64     `json:"download_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// PublicView strips owner and storage details from the record.
func (f *FileRecord) PublicView() *FileView {
	return &FileView{
		ID:            f.ID,
		OriginalName:  f.OriginalName,
		MimeType:      f.MimeType,
		SizeBytes:     f.SizeBytes,
		PublicURL:     f.PublicURL,
		DownloadCount: f.DownloadCount,
		CreatedAt:     f.CreatedAt,
	}
}

// Clone returns a deep copy, including the share token pointer.
func (f *FileRecord) Clone() *FileRecord {
	c := *f
	if f.ShareToken != nil {
		t := *f.ShareToken
		c.ShareToken = &t
	}
	return &c
}

type TransactionStatus string

const (
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Transaction is an append-only receipt of a credit grant.
type Transaction struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"owner_id"`
	Plan             Plan              `json:"plan"`
	CreditsGranted   int64             `json:"credits"`
	AmountLabel      string            `json:"amount"`
	PaymentReference string            `json:"payment_reference"`
	Status           TransactionStatus `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Order is a pending payment intent awaiting confirmation.
type Order struct {
	ID          string    `json:"order_id"`
	OwnerID     string    `json:"owner_id"`
	Plan        Plan      `json:"plan"`
	Credits     int64     `json:"credits"`
	AmountLabel string    `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrphanedBlob is a stored object with no metadata record, queued for cleanup.
type OrphanedBlob struct {
	StoragePath string
	Reason      string
	DetectedAt  time.Time
}
