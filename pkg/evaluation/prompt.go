package evaluation

import (
	"fmt"
	"strings"

	"github.com/harunnryd/rekrut/pkg/interview"
)

const promptTemplate = `You are an expert HR evaluator. Analyze this phone screening interview and provide a detailed evaluation.

JOB DESCRIPTION:
%s

CANDIDATE RESUME:
%s

INTERVIEW TRANSCRIPT:
%s

Evaluate the candidate on the following criteria (score 1-10 for each):

1. **Technical Fit**: How well do the candidate's skills match the job requirements?
2. **Experience Relevance**: How relevant is their past experience to this role?
3. **Communication Skills**: How clearly and effectively did they communicate?
4. **Problem-Solving**: Did they demonstrate analytical thinking and problem-solving ability?
5. **Culture Fit**: Based on their responses, would they fit well in a professional environment?

Provide your response in the following JSON format ONLY (no other text):
{
    "technical_fit": <score 1-10>,
    "experience_relevance": <score 1-10>,
    "communication": <score 1-10>,
    "problem_solving": <score 1-10>,
    "culture_fit": <score 1-10>,
    "overall_score": <average of all scores>,
    "decision": "<ACCEPT or REJECT>",
    "summary": "<2-3 sentence summary of the candidate>",
    "strengths": ["<strength 1>", "<strength 2>"],
    "areas_of_concern": ["<concern 1>", "<concern 2>"]
}

Decision criteria:
- ACCEPT if overall_score >= 6 AND no individual score below 4
- REJECT otherwise`

// Prompt renders the evaluator prompt for a finished interview.
func Prompt(rec interview.Record) string {
	return fmt.Sprintf(promptTemplate,
		orNotProvided(rec.Context.JobDescription),
		orNotProvided(rec.Context.ResumeSummary),
		strings.TrimSpace(rec.Transcript()),
	)
}

func orNotProvided(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Not provided"
	}
	return s
}
