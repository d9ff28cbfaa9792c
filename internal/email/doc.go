// Package email delivers transactional email through Resend and consumes the
// EMAIL queue variant.
package email
