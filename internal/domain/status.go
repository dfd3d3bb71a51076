package domain

// Roles carried by users, JWT claims and API keys.
const (
	RoleStrategist = "strategist"
	RoleClient     = "client"
	RoleCompliance = "compliance"
	RoleSystem     = "system"
)

const (
	TodoKindDocument = "document"
	TodoKindSign     = "sign"
	TodoKindPay      = "pay"
)

const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoCancelled  = "cancelled"
)

const (
	DocumentKindUpload   = "upload"
	DocumentKindContract = "contract"
	DocumentKindStrategy = "strategy"
)

const (
	UploadWaiting = "WAITING_UPLOAD"
	UploadDone    = "FILE_UPLOADED"
	UploadDeleted = "FILE_DELETED"
)

const (
	AcceptanceRequestStrategist = "REQUEST_STRATEGIST_ACCEPTANCE"
	AcceptedByStrategist        = "ACCEPTED_BY_STRATEGIST"
	RejectedByStrategist        = "REJECTED_BY_STRATEGIST"
	AcceptanceRequestCompliance = "REQUEST_COMPLIANCE_ACCEPTANCE"
	AcceptedByCompliance        = "ACCEPTED_BY_COMPLIANCE"
	RejectedByCompliance        = "REJECTED_BY_COMPLIANCE"
)

const (
	ChargePending   = "pending"
	ChargePaid      = "paid"
	ChargeCancelled = "cancelled"
	ChargeFailed    = "failed"
)

const (
	MetadataSignature = "signature"
	MetadataStrategy  = "strategy"
)
