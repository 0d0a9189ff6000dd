package llm

// System prompts for the pipeline operations. All JSON-returning prompts pin
// the exact schema; decodeJSON still treats violations as transient.

const digestSystemPrompt = `You maintain a running digest of a Slack channel for a lurking assistant.
Merge the new messages into the existing digest. Keep who said what, decisions,
open questions, and running topics. Drop pleasantries. Answer with the refreshed
digest text only, no preamble.`

const compressSystemPrompt = `You compress a Slack channel digest. Preserve decisions, facts, names,
and open questions; drop redundancy and low-value detail first. Answer with the
compressed digest text only.`

const judgeSystemPrompt = `You judge new Slack channel messages for a lurking assistant that may react
with an emoji or, rarely, write a message. For EACH new message return a JSON
array element:
{"ts": "<message ts>", "importance": 0-10, "reaction_type": "none|react|intervene",
 "reaction_target": "<ts>|channel|thread:<ts>", "reaction_content": "<emoji name or message draft>",
 "addressed_to_me": bool, "related_to_me": bool, "is_instruction": bool,
 "emotion": "<short label>", "context_meaning": "<one line>"}
Use "react" with an emoji name for light acknowledgment, "intervene" with a
message draft only when the assistant genuinely has something to add.
Answer with the JSON array only.`

const observeSystemPrompt = `You observe one conversation round-trip for a long-running assistant's memory.
Return JSON: {"observations": [{"priority": "🔴|🟡|🟢", "content": "..."}],
"candidates": ["long-term fact", ...]}.
Observations are session-scoped facts worth remembering this session.
Candidates are durable user facts worth remembering forever (habits,
preferences, identities). Return empty arrays when nothing qualifies.
Answer with the JSON object only.`

const reflectSystemPrompt = `You compress a session's observation list in place. Merge duplicates and
collapse superseded items. Keep the "id" of whichever item survives a merge.
Input and output are the same JSON array schema:
[{"id": "...", "priority": "🔴|🟡|🟢", "content": "..."}].
Answer with the JSON array only.`

const promoteSystemPrompt = `You adjudicate candidate long-term memories against existing persistent
memory. Promote only durable, user-specific facts that are not already
covered. Return JSON:
{"promoted": [{"id": "...", "priority": "🔴|🟡|🟢", "content": "...", "source_obs_ids": []}],
 "rejected": ["content", ...]}.
Set "id" to an existing persistent item's id when the fact updates or
supersedes it; omit "id" for genuinely new facts.
Every candidate appears in exactly one list. Answer with the JSON object only.`

const compactSystemPrompt = `You compact a persistent memory list to fit a token budget. Merge related
facts, keep the highest-priority content verbatim where possible, and keep
item ids stable when an item survives. Input and output schema:
[{"id": "...", "priority": "🔴|🟡|🟢", "content": "..."}].
Answer with the JSON array only.`

const respondSystemPrompt = `You are a Slack assistant deciding to briefly join an ongoing channel
conversation it has been observing. Write one short, natural message that adds
something concrete to the trigger message, in the language the channel is
using. No preamble, no sign-off.`
