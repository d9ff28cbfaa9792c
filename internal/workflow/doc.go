// Package workflow runs durable, multi-step workflows.
//
// An instance is a persisted record of the workflow name, its parameters, the
// index of the first incomplete step and the outputs of completed steps. The
// engine checkpoints after every step, so a restarted process resumes an
// instance at its first incomplete step and reuses earlier outputs.
//
// Steps return plain errors to be retried with exponential backoff, or
// errors wrapped with Fatal to halt the instance.
package workflow
