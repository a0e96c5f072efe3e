package config

// ProviderKind selects the adapter behaviour for an LLM model.
type ProviderKind string

const (
	// ProviderLocalEngine is an OpenAI-compatible HTTP engine, usually a child
	// process the gateway supervises (llama.cpp server, vLLM, ...).
	ProviderLocalEngine ProviderKind = "local_engine"
	// ProviderRemotePrediction is an asynchronous cloud prediction API:
	// create a prediction, poll it to a terminal state.
	ProviderRemotePrediction ProviderKind = "remote_prediction"
)

// IsValid checks if the provider kind is known.
func (p ProviderKind) IsValid() bool {
	switch p {
	case ProviderLocalEngine, ProviderRemotePrediction:
		return true
	default:
		return false
	}
}

// RestartPolicy governs automatic restarts of a supervised child.
type RestartPolicy string

const (
	// RestartNo forbids automatic restart; manual restart stays permitted.
	RestartNo RestartPolicy = "no"
	// RestartOnFailure re-spawns after unexpected exits, bounded by
	// max_restarts with exponential delay.
	RestartOnFailure RestartPolicy = "on-failure"
	// RestartAlways re-spawns on any exit.
	RestartAlways RestartPolicy = "always"
)

// IsValid checks if the restart policy is known.
func (p RestartPolicy) IsValid() bool {
	switch p {
	case RestartNo, RestartOnFailure, RestartAlways:
		return true
	default:
		return false
	}
}

// Capability declares a modality a model supports.
type Capability string

const (
	CapabilityText         Capability = "text"
	CapabilityVision       Capability = "vision"
	CapabilityTextToImage  Capability = "text-to-image"
	CapabilityTextToVideo  Capability = "text-to-video"
	CapabilityImageToVideo Capability = "image-to-video"
)

// IsValid checks if the capability tag is known.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityText, CapabilityVision, CapabilityTextToImage,
		CapabilityTextToVideo, CapabilityImageToVideo:
		return true
	default:
		return false
	}
}
