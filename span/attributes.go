package span

// Key is an attribute name from the fixed namespace spans are allowed
// to carry. Using a defined type instead of bare strings keeps
// adapters from inventing ad-hoc keys that the export sink would not
// recognize.
type Key string

const (
	KeyName                 Key = "name"
	KeyPackageName          Key = "packageName"
	KeySubmodule            Key = "submodule"
	KeyInstrumentationName  Key = "instrumentationName"
	KeyPackageType          Key = "packageType"
	KeyInputValue           Key = "inputValue"
	KeyOutputValue          Key = "outputValue"
	KeyKind                 Key = "kind"
	KeyIsPreAppStart        Key = "isPreAppStart"
	KeyTransformMetadata    Key = "transformMetadata"
	KeyStackTrace           Key = "stackTrace"
	KeyInputSchemaMerges    Key = "inputSchemaMerges"
	KeyOutputSchemaMerges   Key = "outputSchemaMerges"
)

// Kind classifies the shape of the intercepted operation, mirroring
// the "kind" attribute used to scope mock lookups.
type Kind string

const (
	KindClient   Kind = "client"
	KindProducer Kind = "producer"
	KindConsumer Kind = "consumer"
)
