// Package dispatch decides, for one agent poll, whether the agent gets the
// task it asked for.
//
// A poll walks a short state machine:
//
//	UNAVAILABLE -> VALIDATING -> WHITELISTED_PENDING_CLAIM -> ASSIGNED | LOST_RACE | BLACKLISTED
//
//   - The task is missing, or bound to someone else: UNAVAILABLE.
//   - The agent must (re)probe a capability: the task records the agent as
//     validating and the agent gets a validate-only package: VALIDATING.
//   - A capability has no fresh positive result: BLACKLISTED.
//   - Otherwise the coordinator claims the task. The claim is a single
//     conditional update in the task store, so of many concurrent pollers
//     exactly one wins: ASSIGNED. Losers re-read the task by assignee; a
//     match means the agent is retrying its own earlier claim (ASSIGNED
//     again), anything else is LOST_RACE.
//
// Nothing is persisted per agent. Store errors on this path are returned so
// the caller can ask the agent to retry; cache and telemetry failures are
// logged and absorbed.
package dispatch
