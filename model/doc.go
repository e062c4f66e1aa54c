// Package model defines stable boundary types for API layers.
//
// Content identities, encrypted objects and evidence have their own
// canonical binary encodings; nothing here changes them. These structs are
// the only types intended for direct JSON serialization by consumers such as
// the sealgate CLI.
package model
