// Package workflows defines the blog's background workflows and maps domain
// events onto them.
//
//   - post-process runs after a post's publish state changes
//   - scheduled-publish fires at a post's scheduled time, publishes it, then
//     performs the post-process side effects
//   - comment-moderation judges a new comment and applies the verdict
package workflows
