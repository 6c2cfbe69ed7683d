package analysis

// TranscriptAnalysisPrompt asks for the user's intent in a form-creation conversation.
const TranscriptAnalysisPrompt = `Analyze this conversation transcript and clearly outline what the user wants or is trying to achieve.

Transcript:
{transcript}

Please provide:
1. User's main intent/goal
2. Key requests or needs mentioned
3. Any specific actions they want taken

Keep your response concise and focused on the user's will/intent.`

// FormGenerationPrompt turns an analysis into a form definition.
const FormGenerationPrompt = `Based on the following conversation analysis, create a form structure in JSON format.

Analysis:
{analysis}

Generate a JSON response with the following structure:
{
  "title": "Clear, descriptive form title that reflects the main purpose discussed in the conversation",
  "description": "Detailed description explaining what this form is for and how responses will be used, based on the conversation context",
  "questions": [
    {
      "id": "unique_id",
      "question": "Question text",
      "type": "text|email|textarea|radio|checkbox|select|number|date|time|url|tel",
      "required": true/false,
      "options": ["option1", "option2"] // only for radio, checkbox, select types
    }
  ]
}

Important instructions for title and description:
- Title: Create a concise but descriptive title (3-8 words) that clearly indicates what the form is about
- Description: Write 1-2 sentences explaining the form's purpose, who should fill it out, and what will happen with the responses
- Base both title and description on the specific context and intent expressed in the conversation

Create relevant questions based on what the user discussed. Use appropriate field types and make required fields logical.
Return only valid JSON, no additional text or explanation.`

// CompletionAnalysisPrompt extracts answers to known questions from a transcript.
const CompletionAnalysisPrompt = `The following transcript is a voice interview in which the user answered a form.

Form questions:
{questions}

Transcript:
{transcript}

For each question, state the answer the user gave, quoting their words where possible.
If a question was not answered, say "Not answered". Note anything ambiguous.`

// AnswersGenerationPrompt converts a completion analysis into structured answers.
const AnswersGenerationPrompt = `Using the analysis below, produce the user's answers to the form questions.

Form questions:
{questions}

Analysis:
{analysis}

Respond with JSON of the form:
{
  "answers": {"<question id>": "<answer text>"},
  "confidence": "high|medium|low",
  "missing_answers": ["<question id>"],
  "notes": "anything the reviewer should know"
}

Use the exact question ids given above. Return only valid JSON, no additional text or explanation.`
