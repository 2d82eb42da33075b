// Package conv provides checked integer conversions for sizes read from
// archives and configuration.
package conv
