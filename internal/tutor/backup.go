package tutor

import "strings"

// BackupModelID identifies answers served by the static backup in
// interaction records and metrics.
const BackupModelID = "static-backup"

// Backup serves canned curriculum answers when every provider has failed.
// Answers are keyed on (grade band, subject); unknown subjects fall back to
// a generic study hint so the backup itself never runs dry.
type Backup struct {
	answers map[string]string
}

// NewBackup creates the static backup provider with its built-in answers.
func NewBackup() *Backup {
	return &Backup{answers: map[string]string{
		"elementary/math": "Let's work on this together! Try breaking the problem into smaller steps. " +
			"Count it out or draw a picture if it helps. What is the first small step you could take?",
		"middle/math": "A good way to start is to write down what you know and what you need to find. " +
			"Then look for an operation or formula that connects them. What do you know so far?",
		"high/math": "Start by identifying the type of problem: is it algebraic, geometric, or about functions? " +
			"Write the given information formally, then pick a method you have practiced. Which part is unclear?",
		"elementary/science": "Great question! Scientists learn by observing. " +
			"What do you notice when you look closely? Try describing it in your own words.",
		"middle/science": "Think about cause and effect here. What happens first, and what changes as a result? " +
			"Forming a simple hypothesis is a great next step. What do you predict?",
		"high/science": "Consider the underlying principle at work and the variables involved. " +
			"Try setting up the relationship quantitatively. Which variables can you control or measure?",
		"elementary/english": "Reading carefully helps a lot. Read the sentence out loud and listen to how it sounds. " +
			"What do you think the main idea is?",
		"middle/english": "Look for the topic sentence and the supporting details. " +
			"Summarising a paragraph in one line of your own words is a strong check. Can you try that?",
		"high/english": "Focus on the author's purpose and the evidence in the text. " +
			"A strong analysis connects a claim to a specific quote. Which passage stands out to you?",
		"elementary/history": "History is full of stories! Think about who was there, what they did, and why. " +
			"Can you tell the story in your own words?",
		"middle/history": "Try placing the event on a timeline: what came before it, and what did it lead to? " +
			"Causes and consequences are the heart of history. What do you think caused it?",
		"high/history": "Consider the political, economic, and social context of the period. " +
			"Primary sources are your best evidence. What perspective does your source reflect?",
	}}
}

// Answer returns the canned response for a grade and subject. It always
// returns a non-empty answer.
func (b *Backup) Answer(gradeLevel int, subject string) string {
	key := gradeBand(gradeLevel) + "/" + strings.ToLower(strings.TrimSpace(subject))
	if text, ok := b.answers[key]; ok {
		return text
	}
	return "I'm having trouble reaching the tutoring service right now, but let's keep going: " +
		"re-read the question slowly, underline the key words, and try explaining it in your own words. " +
		"Often that alone reveals the answer. What part seems most confusing?"
}
