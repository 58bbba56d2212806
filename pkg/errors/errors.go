package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the class of a crawl failure
type ErrorType string

const (
	// ErrorTypeNetwork represents transport failures and navigation timeouts
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeBotChallenge represents CAPTCHA or interstitial challenge pages
	ErrorTypeBotChallenge ErrorType = "bot_challenge"
	// ErrorTypeBlocked represents redirects to block or login pages
	ErrorTypeBlocked ErrorType = "blocked"
	// ErrorTypeContentMissing represents pages where no content container became ready
	ErrorTypeContentMissing ErrorType = "content_missing"
	// ErrorTypeExtraction represents a single malformed listing element
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeValidation represents normalizer rejections
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeRepository represents database failures
	ErrorTypeRepository ErrorType = "repository"
	// ErrorTypeSession represents a browser that could not be provisioned
	ErrorTypeSession ErrorType = "session"
	// ErrorTypeTimeout represents the overall task deadline being exceeded
	ErrorTypeTimeout ErrorType = "timeout"
)

// CrawlError represents a classified crawl or ingest error
type CrawlError struct {
	Type    ErrorType
	Source  string
	Message string
	Err     error
	Time    time.Time
}

// Error implements the error interface
func (e *CrawlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Source, e.Message)
}

// Unwrap returns the underlying error
func (e *CrawlError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the operation may be attempted again
func (e *CrawlError) IsRetryable() bool {
	return e.Type == ErrorTypeNetwork
}

// IsTaskFatal returns true if the error must abort the whole crawl task
func (e *CrawlError) IsTaskFatal() bool {
	switch e.Type {
	case ErrorTypeSession, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// New creates a new CrawlError
func New(errType ErrorType, source, message string, err error) *CrawlError {
	return &CrawlError{
		Type:    errType,
		Source:  source,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

func NewNetwork(source, message string, err error) *CrawlError {
	return New(ErrorTypeNetwork, source, message, err)
}

func NewBotChallenge(source, message string) *CrawlError {
	return New(ErrorTypeBotChallenge, source, message, nil)
}

func NewBlocked(source, message string) *CrawlError {
	return New(ErrorTypeBlocked, source, message, nil)
}

func NewContentMissing(source, message string) *CrawlError {
	return New(ErrorTypeContentMissing, source, message, nil)
}

func NewExtraction(source, message string, err error) *CrawlError {
	return New(ErrorTypeExtraction, source, message, err)
}

func NewValidation(source, message string) *CrawlError {
	return New(ErrorTypeValidation, source, message, nil)
}

func NewRepository(source, message string, err error) *CrawlError {
	return New(ErrorTypeRepository, source, message, err)
}

func NewSession(source, message string, err error) *CrawlError {
	return New(ErrorTypeSession, source, message, err)
}

func NewTimeout(source string, after time.Duration) *CrawlError {
	return New(ErrorTypeTimeout, source, fmt.Sprintf("exceeded overall timeout of %v", after), nil)
}

// TypeOf returns the ErrorType of the first CrawlError in err's chain, or ""
func TypeOf(err error) ErrorType {
	var ce *CrawlError
	if stderrors.As(err, &ce) {
		return ce.Type
	}
	return ""
}

// Is reports whether err's chain contains a CrawlError of the given type
func Is(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// IsRetryable reports whether err's chain contains a retryable CrawlError
func IsRetryable(err error) bool {
	var ce *CrawlError
	return stderrors.As(err, &ce) && ce.IsRetryable()
}

// IsTaskFatal reports whether err's chain contains a task-fatal CrawlError
func IsTaskFatal(err error) bool {
	var ce *CrawlError
	return stderrors.As(err, &ce) && ce.IsTaskFatal()
}
