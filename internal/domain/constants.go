package domain

const (
	TxTypeIn  = "IN"
	TxTypeOut = "OUT"

	// Transaction statuses
	TxStatusCreated    = "CREATED"
	TxStatusInProgress = "IN_PROGRESS"
	TxStatusReady      = "READY"
	TxStatusCanceled   = "CANCELED"
	TxStatusExpired    = "EXPIRED"
	TxStatusDispute    = "DISPUTE"

	// Payout statuses
	PayoutStatusCreated   = "CREATED"
	PayoutStatusActive    = "ACTIVE"
	PayoutStatusChecking  = "CHECKING"
	PayoutStatusCompleted = "COMPLETED"
	PayoutStatusCanceled  = "CANCELED"

	// Notification processing outcomes
	ReasonMatched          = "matched"
	ReasonNoCandidate      = "no-candidate"
	ReasonExtractionFailed = "extraction-failed"
	ReasonNoBankDetails    = "no-bank-details"
	ReasonFailed           = "failed"

	// Callback outbox statuses
	CallbackStatusPending   = "PENDING"
	CallbackStatusSending   = "SENDING"
	CallbackStatusDelivered = "DELIVERED"
	CallbackStatusFailed    = "FAILED"

	// CancelReasonTraderPrefix marks the trader excluded from the next assignment.
	CancelReasonTraderPrefix = "traderId:"
)

// Bank types stored on requisites.
const (
	BankTypeSBP        = "SBP"
	BankTypeTBank      = "TBANK"
	BankTypeSberbank   = "SBERBANK"
	BankTypeAlfabank   = "ALFABANK"
	BankTypeVTB        = "VTB"
	BankTypeGazprom    = "GAZPROMBANK"
	BankTypeRaiffeisen = "RAIFFEISEN"
	BankTypePochta     = "POCHTABANK"
	BankTypeOzon       = "OZONBANK"
	BankTypeOTP        = "OTPBANK"
	BankTypePSB        = "PSB"
	BankTypeMTS        = "MTSBANK"
	BankTypeSovcombank = "SOVCOMBANK"
	BankTypeRosbank    = "ROSBANK"
	BankTypeOtkritie   = "OPENBANK"
)
