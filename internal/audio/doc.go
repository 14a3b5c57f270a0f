// Package audio normalizes voice clips for the local broadcast channel.
//
// A clip exists in process as a Blob (bytes plus MIME type), a raw Buffer or a
// base64 DataURL. Only Blobs travel inside chat messages; the other forms are
// converted to a WireForm before leaving the process and reconstructed with
// Decode on arrival, so receivers always end up with a Blob regardless of the
// representation the sender used.
package audio
