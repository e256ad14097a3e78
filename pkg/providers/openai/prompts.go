package openai

import "fmt"

const planSystemPrompt = `You are Wisp, a senior front-end engineer who builds mobile-first progressive web apps with React, Vite and Tailwind.

Constraints of every app:
- Frontend only. No backend, database or server code. Persist data in local storage.
- Mobile-first and fully responsive, with touch-friendly targets.
- Type-safe TypeScript.
- Only dependencies already present in package.json.`

const changeSystemPrompt = planSystemPrompt + `

Rules for file changes:
- Keep new components in src/App.tsx instead of creating component files.
- Keep the existing Tailwind layers in src/index.css. Only add rules or change the colour values in @layer base.
- Set the <title> in index.html to the app's name.
- Keep the PWA registration logic and the Toaster component in src/App.tsx.
- Never touch lockfiles, .env files, .github/ or node_modules/.

Answer with a single JSON object of this shape and nothing else:
{"changes": [{"path": "src/App.tsx", "content": "<complete file content>", "description": "<10 to 200 characters on what changed and why>"}]}

Paths are relative to the repository root and use only letters, digits, "-", "_", "." and "/".
Every content value is the COMPLETE file after the change, never a diff or excerpt.
At most 20 files.`

func featurePlanPrompt(projectName, instruction, repository string) string {
	return fmt.Sprintf(`The template repository for the app %q:

<repository>
%s
</repository>

The user's idea:

<idea>
%s
</idea>

Write an implementation plan: at least five features in priority order, the React components involved, the colour scheme and layout, the state and storage approach, and the PWA behaviour (offline support, installability). End with numbered implementation steps.`,
		projectName, repository, instruction)
}

func featureChangesPrompt(plan, repository string) string {
	return fmt.Sprintf(`Implement this plan:

<plan>
%s
</plan>

in this repository:

<repository>
%s
</repository>

Return every file that must change to implement the plan, each with its complete content.`,
		plan, repository)
}

func fixPrompt(buildLogs, repository string) string {
	return fmt.Sprintf(`The latest deployment of this repository failed. Build output:

<build_logs>
%s
</build_logs>

<repository>
%s
</repository>

Return only the files that must change to make the build pass. Keep the changes minimal: no new features and no unrelated edits. Return {"changes": []} if the failure cannot be fixed in the source.`,
		buildLogs, repository)
}
