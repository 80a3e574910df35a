// Package hmerror defines the typed error kinds the repo backend can
// surface, per the error handling design: recoverable gossip-layer faults
// are logged and dropped by callers, while local invariant violations are
// returned as one of these types so tests can assert on them with errors.As.
package hmerror

import "fmt"

// OpenAsFile describes an OpenMsg for a DocId that Metadata already
// classifies as a file. RepoBackend logs it and drops the open; it is not
// sent to the frontend.
type OpenAsFile struct {
	Doc string
}

func (e *OpenAsFile) Error() string {
	return fmt.Sprintf("hmerror: %s is classified as a file, cannot open as a document", e.Doc)
}

// SequenceSkip is returned when Actor.WriteChange is asked to append a
// change whose Seq does not immediately follow the feed's current length.
type SequenceSkip struct {
	Actor    string
	Want     uint64
	Got      uint64
}

func (e *SequenceSkip) Error() string {
	return fmt.Sprintf("hmerror: actor %s: write sequence skip, want seq %d got %d", e.Actor, e.Want, e.Got)
}

// FeedAppendError wraps a lower-level feed append failure.
type FeedAppendError struct {
	Actor string
	Err   error
}

func (e *FeedAppendError) Error() string {
	return fmt.Sprintf("hmerror: actor %s: feed append failed: %v", e.Actor, e.Err)
}

func (e *FeedAppendError) Unwrap() error { return e.Err }

// FileRewrite is returned when WriteFile is called on a feed that already
// has blocks.
type FileRewrite struct {
	Actor string
}

func (e *FileRewrite) Error() string {
	return fmt.Sprintf("hmerror: actor %s: cannot write a file to a non-empty feed", e.Actor)
}

// FileSizeMismatch is returned when ReadFile's concatenated payload length
// does not match the byte count declared in the file header.
type FileSizeMismatch struct {
	Actor string
	Want  uint64
	Got   uint64
}

func (e *FileSizeMismatch) Error() string {
	return fmt.Sprintf("hmerror: actor %s: file size mismatch, header says %d bytes, read %d", e.Actor, e.Want, e.Got)
}

// UnknownMessageType marks a gossip message whose tag did not match any
// known variant. Callers log and discard; it is never fatal.
type UnknownMessageType struct {
	Tag string
}

func (e *UnknownMessageType) Error() string {
	return fmt.Sprintf("hmerror: unknown message type %q", e.Tag)
}

// MissingDocOnReceive marks a frontend request that named a DocId the
// backend has no record of. It is never fatal: requests with no reply log
// it and are ignored, while DebugMsg, materialize queries and file requests
// return it as their Reply payload.
type MissingDocOnReceive struct {
	Doc string
}

func (e *MissingDocOnReceive) Error() string {
	return fmt.Sprintf("hmerror: no such document %s", e.Doc)
}
