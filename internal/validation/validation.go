package validation

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"agroreg/internal/database"
)

// ValidationError represents a structured validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects multiple field errors.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (ve *ValidationErrors) Add(field, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Field: field, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, len(ve.Errors))
	for i, e := range ve.Errors {
		msgs[i] = e.Field + ": " + e.Message
	}
	return strings.Join(msgs, "; ")
}

// RequireField checks a required string field is non-empty.
func RequireField(ve *ValidationErrors, field, value string) {
	if strings.TrimSpace(value) == "" {
		ve.Add(field, "is required")
	}
}

// ValidateEnum checks a field is one of allowed values.
func ValidateEnum(ve *ValidationErrors, field, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	ve.Add(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
}

// ValidateDate checks a field is a valid date (YYYY-MM-DD).
func ValidateDate(ve *ValidationErrors, field, value string) {
	if value == "" {
		return
	}
	_, err := time.Parse("2006-01-02", value)
	if err != nil {
		ve.Add(field, "must be a valid date (YYYY-MM-DD)")
	}
}

// ValidatePositiveInt checks a field is > 0.
func ValidatePositiveInt(ve *ValidationErrors, field string, value int) {
	if value <= 0 {
		ve.Add(field, "must be a positive integer")
	}
}

// MaxQuantityKg bounds any single quantity or weight.
var MaxQuantityKg = decimal.NewFromInt(100_000_000)

var hundred = decimal.NewFromInt(100)

// ValidatePositiveDecimal checks a quantity is > 0 and below MaxQuantityKg.
func ValidatePositiveDecimal(ve *ValidationErrors, field string, value decimal.Decimal) {
	if !value.IsPositive() {
		ve.Add(field, "must be a positive number")
		return
	}
	if value.GreaterThan(MaxQuantityKg) {
		ve.Add(field, fmt.Sprintf("exceeds maximum allowed quantity of %s", MaxQuantityKg))
	}
}

// ValidatePercentage checks a value is a valid percentage (0-100).
func ValidatePercentage(ve *ValidationErrors, field string, value decimal.Decimal) {
	if value.IsNegative() || value.GreaterThan(hundred) {
		ve.Add(field, "must be between 0 and 100")
	}
}

// Maximum lengths for free text.
const (
	MaxStringLength = 255
	MaxTextLength   = 100000
)

// ValidateEmail checks a field is a valid email (if non-empty).
func ValidateEmail(ve *ValidationErrors, field, value string) {
	if value == "" {
		return
	}
	_, err := mail.ParseAddress(value)
	if err != nil {
		ve.Add(field, "must be a valid email address")
	}
}

// ValidateMaxLength checks string doesn't exceed max length.
func ValidateMaxLength(ve *ValidationErrors, field, value string, max int) {
	if len(value) > max {
		ve.Add(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

// ValidateExists checks that a referenced row exists.
func ValidateExists(ctx context.Context, ve *ValidationErrors, q database.Querier, field, table string, id int64) {
	if id == 0 {
		ve.Add(field, "is required")
		return
	}
	if !referenceable[table] {
		ve.Add(field, "invalid table reference")
		return
	}
	var n int
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), id).Scan(&n)
	if err != nil || n == 0 {
		ve.Add(field, fmt.Sprintf("references non-existent %s: %d", table, id))
	}
}

var referenceable = map[string]bool{
	"users": true, "crops": true, "crop_varieties": true, "planting_returns": true,
	"crop_declarations": true, "stock_records": true, "marketable_seeds": true,
	"attachments": true,
}

// FromError unwraps a *ValidationErrors carried by err.
func FromError(err error) (*ValidationErrors, bool) {
	var ve *ValidationErrors
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Err returns ve as an error when it holds anything, nil otherwise.
func (ve *ValidationErrors) Err() error {
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// File upload validation constants.
const (
	MaxFileSize = 20 * 1024 * 1024
	MinFileSize = 1
)

// DangerousExtensions is the list of blocked file extensions.
var DangerousExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".app", ".dmg", ".pkg",
	".sh", ".bash", ".zsh", ".fish", ".csh", ".tcsh",
	".vbs", ".vbe", ".js", ".jse", ".ws", ".wsf", ".wsh",
	".msi", ".msp", ".jar", ".war", ".ear",
	".ps1", ".psm1", ".psd1", ".ps1xml", ".pssc", ".cdxml",
	".reg", ".dll", ".so", ".dylib",
	".apk", ".ipa", ".deb", ".rpm",
}

// AllowedExtensions is the whitelist of safe file extensions.
var AllowedExtensions = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".txt", ".csv",
	".odt", ".ods", ".rtf",
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic",
	".zip",
}

// ValidateFileUpload validates uploaded file size, type, and name.
func ValidateFileUpload(ve *ValidationErrors, filename string, size int64, contentType string) {
	if size == 0 {
		ve.Add("file", "cannot be empty (0 bytes)")
		return
	}

	if size < MinFileSize {
		ve.Add("file", "is too small")
		return
	}

	if size > MaxFileSize {
		ve.Add("file", fmt.Sprintf("exceeds maximum size of %d MB (got %d MB)",
			MaxFileSize/(1024*1024), size/(1024*1024)))
		return
	}

	ValidateFilename(ve, filename)
	ValidateFileExtension(ve, filename)
}

// ValidateFilename checks for path traversal and malicious characters.
func ValidateFilename(ve *ValidationErrors, filename string) {
	if filename == "" {
		ve.Add("filename", "is required")
		return
	}

	if strings.Contains(filename, "..") {
		ve.Add("filename", "contains invalid path traversal sequence (..)")
	}
	if strings.HasPrefix(filename, "/") || strings.HasPrefix(filename, "\\") {
		ve.Add("filename", "cannot be an absolute path")
	}
	if len(filename) >= 2 && filename[1] == ':' {
		ve.Add("filename", "cannot contain drive letters")
	}
	if strings.Contains(filename, "\x00") {
		ve.Add("filename", "contains null bytes")
	}

	dangerousChars := []string{"|", "&", ";", "$", "`", "<", ">", "(", ")", "{", "}", "[", "]", "!", "*", "?"}
	for _, char := range dangerousChars {
		if strings.Contains(filename, char) {
			ve.Add("filename", fmt.Sprintf("contains dangerous character: %s", char))
		}
	}

	if strings.ContainsAny(filename, "\r\n") {
		ve.Add("filename", "contains line breaks")
	}
}

// ValidateFileExtension checks if file extension is allowed.
func ValidateFileExtension(ve *ValidationErrors, filename string) {
	ext := strings.ToLower(filepath.Ext(filename))

	if ext == "" {
		ve.Add("filename", "must have a file extension")
		return
	}

	for _, dangerous := range DangerousExtensions {
		if ext == dangerous {
			ve.Add("filename", fmt.Sprintf("file type not allowed: %s", ext))
			return
		}
	}

	allowed := false
	for _, safe := range AllowedExtensions {
		if ext == safe {
			allowed = true
			break
		}
	}

	if !allowed {
		ve.Add("filename", fmt.Sprintf("file type not in allowed list: %s (allowed: %s)",
			ext, strings.Join(AllowedExtensions, ", ")))
	}
}

// SanitizeFilename removes dangerous characters and path components.
func SanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	filename = strings.ReplaceAll(filename, "\x00", "")

	replacements := map[string]string{
		"..": "_", "/": "_", "\\": "_", "|": "_", "&": "_", ";": "_",
		"$": "_", "`": "_", "<": "_", ">": "_", "(": "", ")": "",
		"{": "", "}": "", "[": "", "]": "", "!": "", "*": "_", "?": "_",
		"\r": "", "\n": "", "\t": "_",
	}
	for old, new := range replacements {
		filename = strings.ReplaceAll(filename, old, new)
	}

	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		nameWithoutExt := filename[:len(filename)-len(ext)]
		if len(nameWithoutExt) > 200 {
			nameWithoutExt = nameWithoutExt[:200]
		}
		filename = nameWithoutExt + ext
	}
	return filename
}
