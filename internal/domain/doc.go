// Package domain defines the core business types for the campaign dispatcher.
//
// Campaigns, their embedded recipients, outbound messages and tracking
// events live here along with the campaign state machine. The package
// imports nothing from internal/ and holds no I/O.
package domain
