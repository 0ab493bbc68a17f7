package pipeline

// Default values for transaction extraction.
// The sentinel strings are shared by the prompt and the reconciler; changing
// one without the other breaks the contract with the model.
const (
	// DefaultModelName is the default Gemini model used for extraction.
	DefaultModelName = "gemini-2.5-flash"

	// DefaultTemperature keeps the model close to the prompted JSON schema.
	DefaultTemperature float32 = 0.1

	// DefaultMaxOutputTokens bounds the size of one model answer.
	DefaultMaxOutputTokens int32 = 1024

	// UnspecifiedPaymentMethod is used when an expense names no payment method.
	UnspecifiedPaymentMethod = "User not provided payment method"

	// UnspecifiedCreditSource is used when an income names no source.
	UnspecifiedCreditSource = "User not provided credit source"

	// TransferCategoryName is the category name the prompt suggests for transfers.
	TransferCategoryName = "Transfer"

	// ParsingFailedMarker is the value of the "error" field the model emits
	// when it cannot extract a transaction.
	ParsingFailedMarker = "Parsing failed"
)
