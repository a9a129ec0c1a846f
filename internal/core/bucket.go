package core

import "github.com/cespare/xxhash/v2"

// Bucket maps a (flagKey, subjectID) pair onto [0,100). The hash input always
// includes the flag key so that a subject lands in independent buckets for
// different flags; hashing the subject alone would correlate every percentage
// rollout across flags.
//
// xxhash is stable across processes and architectures, which keeps bucket
// assignments identical across restarts and machines. Raising a rollout
// percentage from N to N+1 only ever adds subjects, since each subject's
// bucket is fixed.
func Bucket(flagKey, subjectID string) int {
	digest := xxhash.New()
	_, _ = digest.WriteString(flagKey)
	_, _ = digest.WriteString(":")
	_, _ = digest.WriteString(subjectID)

	return int(digest.Sum64() % 100)
}
