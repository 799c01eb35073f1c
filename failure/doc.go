// Package failure classifies transport outcomes into a closed taxonomy and
// describes them for display.
//
// Classifier.Classify applies its rules in order: cancellation, offline,
// transport failure, then HTTP status and the backend envelope's error_code.
// Each failure yields a Record with a short message, suggested actions and
// the service status it implies, plus a Verdict telling the caller whether to
// retry immediately, back off, or give up.
//
// Records cross package boundaries as *goerrors.Error values; RecordOf and
// FromError recover them.
package failure
