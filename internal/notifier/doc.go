// Package notifier is the single outbound path to contacts.
//
// Task firings, command replies, AI replies and the missed-while-offline
// notice all go through Service.SendText. A send is synchronous so the caller
// learns whether delivery succeeded. Each send:
//   - waits on a global rate limit
//   - retries transient channel failures with backoff
//   - records the outbound text in the chat history
//   - publishes message.sent or message.failed on the event bus
package notifier
