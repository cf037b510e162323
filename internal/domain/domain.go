package domain

// Status is the stored workflow state of a project. It is kept as an explicit
// field rather than derived from the payment/approval flags because several
// transitions set it independently of the other flags.
type Status string

const (
	StatusCreated           Status = "created"
	StatusPaymentDeposited  Status = "payment_deposited"
	StatusFileUploaded      Status = "file_uploaded"
	StatusUnderReview       Status = "under_review"
	StatusRevisionRequested Status = "revision_requested"
	StatusCompleted         Status = "completed"
)

// PaymentStatus moves forward only: pending -> held -> released.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentHeld     PaymentStatus = "held"
	PaymentReleased PaymentStatus = "released"
)

// Approval is the buyer/seller sign-off state. The string values are part of
// the wire format; buyers additionally use ApprovalRevision.
type Approval string

const (
	ApprovalFalse    Approval = "false"
	ApprovalTrue     Approval = "true"
	ApprovalRevision Approval = "revision_requested"
)

// Party identifies which side of the deal created the project.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

type Project struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	BuyerEmail  string  `json:"buyer_email"`
	SellerEmail *string `json:"seller_email,omitempty"`
	CreatedBy   Party   `json:"created_by" enum:"buyer,seller"`
	Deadline    *string `json:"deadline,omitempty" format:"date-time"`

	FileName   *string `json:"file_name,omitempty"`
	FileSize   *int64  `json:"file_size,omitempty"`
	FileType   *string `json:"file_type,omitempty"`
	FilePath   *string `json:"file_path,omitempty"`
	UploadedAt *string `json:"uploaded_at,omitempty" format:"date-time"`

	Status         Status        `json:"status" enum:"created,payment_deposited,file_uploaded,under_review,revision_requested,completed"`
	PaymentStatus  PaymentStatus `json:"payment_status" enum:"pending,held,released"`
	BuyerApproved  Approval      `json:"buyer_approved" enum:"false,true,revision_requested"`
	SellerApproved Approval      `json:"seller_approved" enum:"false,true"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// HasFile reports whether a deliverable has been uploaded at least once.
func (p Project) HasFile() bool {
	return p.FilePath != nil && *p.FilePath != ""
}

// ProjectPatch is a shallow partial update: every non-nil field fully
// replaces the stored value. UpdatedAt is always applied.
type ProjectPatch struct {
	Title       *string
	Description *string
	Amount      *float64
	Currency    *string
	SellerEmail *string
	Deadline    *string

	FileName   *string
	FileSize   *int64
	FileType   *string
	FilePath   *string
	UploadedAt *string

	Status         *Status
	PaymentStatus  *PaymentStatus
	BuyerApproved  *Approval
	SellerApproved *Approval

	UpdatedAt string
}

// ActivityType classifies entries in the append-only project log.
type ActivityType string

const (
	ActivityCreated    ActivityType = "created"
	ActivityPayment    ActivityType = "payment"
	ActivityUpload     ActivityType = "upload"
	ActivityReview     ActivityType = "review"
	ActivityApproval   ActivityType = "approval"
	ActivityCompletion ActivityType = "completion"
)

// Activity is immutable once written and is never deleted.
type Activity struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Description string       `json:"description"`
	Type        ActivityType `json:"type" enum:"created,payment,upload,review,approval,completion"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
