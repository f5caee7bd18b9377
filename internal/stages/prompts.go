package stages

const cleanTranscriptSystem = `You clean up lecture transcript fragments.
Fix transcription errors, punctuation and capitalization. Remove filler words and false starts.
Keep every fact and the speaker's meaning. Reply with the cleaned text only.`

const titleSystem = `You name lectures. Reply with a short descriptive title of at most eight words.
Do not use quotes or trailing punctuation.`

const defaultSpreadsheetPrompt = `Build a study table from this lecture transcript.
Reply with JSON of the form {"rows": [{"<column>": "<value>", ...}]} using exactly the listed columns.
Group related rows under section header rows whose cells all repeat the section name.`

const defaultVignettePrompt = `Write USMLE-style clinical vignette questions that test the learning objectives of this lecture.
Reply with JSON of the form {"learning_objectives": [{"objective": "...", "questions": [{"question_number": 1,
"difficulty": "Easy|Medium|Hard", "vignette": "...", "question": "...", "choices": {"A": "...", "B": "...", "C": "...",
"D": "...", "E": "..."}, "correct_answer": "A", "explanation": "..."}]}]}.
Reply with {"learning_objectives": []} when the lecture has no clinical content.`

const mindmapSystem = `Summarize the lecture as a Mermaid mindmap.
Reply with Mermaid source only, starting with the line "mindmap".`
