// Package translate validates sensor payloads and maps them onto the
// published reading schema.
package translate
