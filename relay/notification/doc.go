// Package notification delivers outgoing messages through ordered,
// single-consumer channels, one per channel kind (mail, sms, webhook...).
//
// SendAndWait blocks until the channel's sender handled the message. A sender
// error classified as unrecoverable shuts the channel down and fails every
// message still queued.
package notification
