package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// StageBindingSpec defines the desired state of StageBinding.
type StageBindingSpec struct {
	// Stage is the stage identifier requests are routed by, i.e. the value of
	// the lambdaAlias stage variable (e.g. "dev", "prod").
	// +kubebuilder:validation:Pattern=`^[A-Za-z0-9_-]+$`
	Stage string `json:"stage"`

	// Target is the backend bound to the stage.
	Target TargetSpec `json:"target"`
}

// TargetSpec describes a backend target.
type TargetSpec struct {
	// ID is the alias or version tag reported back to callers. Defaults to the stage.
	// +optional
	ID string `json:"id,omitempty"`

	// Kind is the target kind.
	// +optional
	// +kubebuilder:validation:Enum=greeter;http;lambda
	// +kubebuilder:default="greeter"
	Kind string `json:"kind,omitempty"`

	// URL of an http target.
	// +optional
	URL string `json:"url,omitempty"`

	// FunctionName of a lambda target.
	// +optional
	FunctionName string `json:"functionName,omitempty"`

	// Qualifier is the function alias or version to invoke. Defaults to the stage.
	// +optional
	Qualifier string `json:"qualifier,omitempty"`

	// Message overrides the greeting of a greeter target.
	// +optional
	Message string `json:"message,omitempty"`

	// Timeout bounds a single invocation (e.g. "15s").
	// +optional
	Timeout *metav1.Duration `json:"timeout,omitempty"`

	// ReservedConcurrency caps concurrent invocations of this target.
	// +optional
	// +kubebuilder:validation:Minimum=0
	ReservedConcurrency int `json:"reservedConcurrency,omitempty"`
}

// StageBindingStatus defines the observed state of StageBinding.
type StageBindingStatus struct {
	// BoundStage is the stage currently registered for this binding.
	// +optional
	BoundStage string `json:"boundStage,omitempty"`

	// TargetID is the registered target ID.
	// +optional
	TargetID string `json:"targetID,omitempty"`

	// Ready indicates whether the binding is registered and serving traffic.
	// +optional
	Ready bool `json:"ready,omitempty"`

	// Conditions represent the latest available observations of the StageBinding's state.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Stage",type="string",JSONPath=".spec.stage"
// +kubebuilder:printcolumn:name="Kind",type="string",JSONPath=".spec.target.kind"
// +kubebuilder:printcolumn:name="Target",type="string",JSONPath=".status.targetID"
// +kubebuilder:printcolumn:name="Ready",type="boolean",JSONPath=".status.ready"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// StageBinding is the Schema for the stagebindings API.
type StageBinding struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   StageBindingSpec   `json:"spec,omitempty"`
	Status StageBindingStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// StageBindingList contains a list of StageBinding.
type StageBindingList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []StageBinding `json:"items"`
}

func init() {
	SchemeBuilder.Register(&StageBinding{}, &StageBindingList{})
}
