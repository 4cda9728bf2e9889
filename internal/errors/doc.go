// Package errors provides structured, actionable error messages for the
// duet command line.
//
// Configuration and CLI failures are reported as *Error values that carry a
// code, the file position they refer to and a suggestion:
//
//	err := errors.New("E100").
//	    WithLocation("duet.json", 4, 17).
//	    WithSuggestion("Check that duet.json is valid JSON")
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR E100: Invalid configuration file
//	//
//	//   duet.json:4:17
//	//
//	//   ...
//
// # Error Codes
//
//   - E100-E119: configuration
//   - E120-E139: archives
//   - E140-E159: server
//   - E160-E179: command line
//
// Runtime errors of the session core are plain Go errors defined by the
// packages that return them.
package errors
