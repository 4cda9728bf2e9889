package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Configuration Errors (E100-E119)
	// ============================================

	"E100": {
		Category: CategoryConfig,
		Message:  "Invalid configuration file",
		Detail:   "duet.json could not be parsed.",
	},
	"E101": {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Detail:     "No duet.json was found where one was expected.",
		Suggestion: "Create duet.json or pass --config with the path to one",
	},
	"E102": {
		Category: CategoryConfig,
		Message:  "Invalid listen address",
		Detail:   "The server address must have the form host:port.",
	},
	"E103": {
		Category: CategoryConfig,
		Message:  "Invalid duration",
		Detail:   "Durations are written as Go duration strings such as \"30s\" or \"5m\".",
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "Unknown archive store",
		Detail:     "The archive store kind is not supported.",
		Suggestion: "Use one of: none, memory, file, sqlite, s3",
	},
	"E105": {
		Category: CategoryConfig,
		Message:  "Incomplete archive store settings",
		Detail:   "The selected archive store needs more settings.",
	},
	"E106": {
		Category: CategoryConfig,
		Message:  "Invalid limit",
		Detail:   "Limits must not be negative.",
	},
	"E107": {
		Category: CategoryConfig,
		Message:  "Invalid transport path",
		Detail:   "The transport path must start with '/' and must not be '/'.",
	},

	// ============================================
	// Archive Errors (E120-E139)
	// ============================================

	"E120": {
		Category: CategoryArchive,
		Message:  "Archive not found",
		Detail:   "The store has no archive for this session.",
	},
	"E121": {
		Category: CategoryArchive,
		Message:  "Archive store unavailable",
		Detail:   "The archive store could not be opened.",
	},
	"E122": {
		Category: CategoryArchive,
		Message:  "Archive unreadable",
		Detail:   "The archive could not be read from the store.",
	},

	// ============================================
	// Server Errors (E140-E159)
	// ============================================

	"E140": {
		Category: CategoryServer,
		Message:  "Server failed to start",
		Detail:   "The HTTP server could not listen on the configured address.",
	},
	"E141": {
		Category:   CategoryServer,
		Message:    "Port already in use",
		Detail:     "Another process is listening on the configured port.",
		Suggestion: "Stop the other process or set a different address with --addr",
	},
	"E142": {
		Category: CategoryServer,
		Message:  "Sessions not archived on shutdown",
		Detail:   "Some live sessions could not be archived and will not be restored.",
	},

	// ============================================
	// CLI Errors (E160-E179)
	// ============================================

	"E160": {
		Category: CategoryCLI,
		Message:  "Missing argument",
	},
	"E161": {
		Category: CategoryCLI,
		Message:  "Command failed",
	},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
