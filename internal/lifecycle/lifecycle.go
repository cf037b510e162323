// Package lifecycle holds the pure decision logic of the escrow workflow:
// given the current project and a requested action it computes the field
// changes, the next status, and the activity entry to record. It never touches
// storage, so every rule here is testable without a database.
package lifecycle

import (
	"fmt"
	"path/filepath"
	"strings"

	"modelbay/internal/domain"
)

// MaxFileSize is the upload ceiling for a deliverable (50 MiB).
const MaxFileSize int64 = 50 << 20

var allowedExtensions = map[string]bool{
	".stl":  true,
	".step": true,
	".obj":  true,
	".ply":  true,
}

// Outcome is a committed decision: the patch to persist and the activity to
// append, both in the same transition.
type Outcome struct {
	Patch       domain.ProjectPatch
	Activity    domain.ActivityType
	Description string
}

// Deposit marks the escrow payment as held. A released payment can never move
// backward, so depositing on a completed deal is rejected.
func Deposit(p domain.Project) (Outcome, error) {
	if p.PaymentStatus == domain.PaymentReleased {
		return Outcome{}, domain.ValidationError{Message: "payment already released"}
	}
	return Outcome{
		Patch: domain.ProjectPatch{
			PaymentStatus: paymentPtr(domain.PaymentHeld),
			Status:        statusPtr(domain.StatusPaymentDeposited),
		},
		Activity:    domain.ActivityPayment,
		Description: fmt.Sprintf("Payment of %.2f %s deposited into escrow", p.Amount, p.Currency),
	}, nil
}

// ValidateUpload applies the extension and size filter before any state is
// touched. Rejections carry no side effects.
func ValidateUpload(name string, size int64) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return domain.ValidationError{Message: fmt.Sprintf("file type %s not allowed; accepted: stl, step, obj, ply", ext)}
	}
	if size > MaxFileSize {
		return domain.ValidationError{Message: fmt.Sprintf("file too large: %d bytes exceeds %d byte limit", size, MaxFileSize)}
	}
	if size < 0 {
		return domain.ValidationError{Message: "file size unknown"}
	}
	return nil
}

// UploadedFile describes a deliverable already persisted by the blob store.
type UploadedFile struct {
	Name        string
	Size        int64
	ContentType string
	Handle      string
	At          string
}

// Upload records the deliverable metadata. Callers run ValidateUpload first;
// it is repeated here so the engine stays safe on its own.
func Upload(p domain.Project, f UploadedFile) (Outcome, error) {
	if err := ValidateUpload(f.Name, f.Size); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Patch: domain.ProjectPatch{
			FileName:   &f.Name,
			FileSize:   &f.Size,
			FileType:   &f.ContentType,
			FilePath:   &f.Handle,
			UploadedAt: &f.At,
			Status:     statusPtr(domain.StatusFileUploaded),
		},
		Activity:    domain.ActivityUpload,
		Description: fmt.Sprintf("File %s uploaded (%d bytes)", f.Name, f.Size),
	}, nil
}

// BuyerAction is the buyer's verdict on the delivered file.
type BuyerAction string

const (
	BuyerApprove         BuyerAction = "approve"
	BuyerRequestRevision BuyerAction = "request_revision"
)

// ApplyBuyerAction handles approve / request_revision. Buyer approval never
// completes the project on its own, even when the seller already approved;
// only SellerApprove commits completion.
func ApplyBuyerAction(p domain.Project, action BuyerAction) (Outcome, error) {
	switch action {
	case BuyerApprove:
		return Outcome{
			Patch: domain.ProjectPatch{
				BuyerApproved: approvalPtr(domain.ApprovalTrue),
				Status:        statusPtr(domain.StatusUnderReview),
			},
			Activity:    domain.ActivityReview,
			Description: "Buyer approved the delivery",
		}, nil
	case BuyerRequestRevision:
		return Outcome{
			Patch: domain.ProjectPatch{
				BuyerApproved: approvalPtr(domain.ApprovalRevision),
				Status:        statusPtr(domain.StatusRevisionRequested),
			},
			Activity:    domain.ActivityReview,
			Description: "Buyer requested a revision",
		}, nil
	default:
		return Outcome{}, domain.ValidationError{Message: fmt.Sprintf("unknown buyer action %q", action)}
	}
}

// SellerApprove marks the seller side approved. If the buyer already
// approved, the deal completes and the payment is released in the same
// transition.
func SellerApprove(p domain.Project) (Outcome, error) {
	if p.BuyerApproved == domain.ApprovalTrue {
		return Outcome{
			Patch: domain.ProjectPatch{
				SellerApproved: approvalPtr(domain.ApprovalTrue),
				PaymentStatus:  paymentPtr(domain.PaymentReleased),
				Status:         statusPtr(domain.StatusCompleted),
			},
			Activity:    domain.ActivityCompletion,
			Description: "Both parties approved; payment released and project completed",
		}, nil
	}
	return Outcome{
		Patch: domain.ProjectPatch{
			SellerApproved: approvalPtr(domain.ApprovalTrue),
			Status:         statusPtr(domain.StatusUnderReview),
		},
		Activity:    domain.ActivityApproval,
		Description: "Seller approved the delivery",
	}, nil
}

// CanDownload is the access gate for full file bytes: both parties must have
// approved. Metadata preview is not gated here.
func CanDownload(p domain.Project) bool {
	return p.BuyerApproved == domain.ApprovalTrue && p.SellerApproved == domain.ApprovalTrue
}

func statusPtr(s domain.Status) *domain.Status                { return &s }
func paymentPtr(s domain.PaymentStatus) *domain.PaymentStatus { return &s }
func approvalPtr(a domain.Approval) *domain.Approval          { return &a }
