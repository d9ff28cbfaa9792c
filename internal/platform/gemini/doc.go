// Package gemini implements moderation.Moderator with Google's Gemini API.
//
// The model is asked for a JSON verdict ({"decision": ..., "reason": ...})
// about a single comment. Blocked or unparseable responses are permanent
// failures; API errors are transient and left to the caller's retry policy.
package gemini
