package cli

// Error codes returned by CLI commands, unified across subcommands so
// scripts can branch on a stable code instead of parsing messages.
const (
	ErrCodeGeneric     = "E001" // generic/unknown error
	ErrCodeConfig      = "E002" // config file missing or malformed
	ErrCodeStoreOpen   = "E003" // could not open the store/queue file
	ErrCodeBadArgs     = "E004" // command-line arguments invalid
	ErrCodeNotFound    = "E005" // requested version/event not found
	ErrCodeTimeout     = "E006" // wait exceeded its deadline
)
