// Package prompts holds the built-in prompt text for each call context.
// On-disk prompt templates are loaded by the CLI and override these.
package prompts

const (
	// Frame is sent with every frame analysis call.
	Frame = `Describe this video frame in detail. Focus on visible subjects, ` +
		`actions, setting and any on-screen text. Be factual and concise.`

	// Narrative drives the final synthesis over per-frame analyses and the
	// transcript.
	Narrative = `You are given, in chronological order, descriptions of frames ` +
		`sampled from a video and a transcript of its audio. Segments marked as ` +
		`gaps had no usable content. Reconstruct what happens in the video as a ` +
		`single coherent narrative. Do not invent events that the inputs do not ` +
		`support, and note where coverage is incomplete.`
)
