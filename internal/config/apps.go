package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Known app types. Ris and StoreServer are notified synchronously; the
// remaining types spawn asynchronous remote jobs.
const (
	TypeRis         = "Ris"
	TypeStoreServer = "StoreServer"
	TypeTransfer    = "Transfer"
	TypeExporter    = "Exporter"
	TypeStoreSCU    = "StoreSCU"
)

// AsyncType reports whether dispatching to this app type produces a remote
// job instead of an inline result.
func AsyncType(appType string) bool {
	switch appType {
	case TypeTransfer, TypeExporter, TypeStoreSCU:
		return true
	}
	return false
}

// FieldMap maps payload keys to resource metadata fields. It accepts both
// JSON shapes seen in the wild: a plain object, or an array of single-entry
// objects (some config stores cannot express nested objects).
type FieldMap map[string]string

func (m *FieldMap) UnmarshalJSON(data []byte) error {
	merged := map[string]string{}

	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err == nil {
		for k, v := range obj {
			merged[k] = v
		}
		*m = merged
		return nil
	}

	var list []map[string]string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("field mapping must be an object or an array of objects: %w", err)
	}
	for _, entry := range list {
		for k, v := range entry {
			merged[k] = v
		}
	}
	*m = merged
	return nil
}

// FieldValues carries literal values injected into dispatch payloads, with
// the same dual JSON shape as FieldMap.
type FieldValues map[string]interface{}

func (v *FieldValues) UnmarshalJSON(data []byte) error {
	merged := map[string]interface{}{}

	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err == nil {
		for k, val := range obj {
			merged[k] = val
		}
		*v = merged
		return nil
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("field values must be an object or an array of objects: %w", err)
	}
	for _, entry := range list {
		for k, val := range entry {
			merged[k] = val
		}
	}
	*v = merged
	return nil
}

// App is one downstream application a queued event can be dispatched to.
type App struct {
	ID             string
	Type           string
	URL            string
	Authentication string
	Method         string
	DelaySeconds   int
	TimeoutSeconds int
	FieldMapping   FieldMap
	FieldValues    FieldValues
}

// appDocument is the raw JSON shape; pointers distinguish absent fields from
// zero values so mandatory-field validation matches the config contract.
type appDocument struct {
	ID                    *string     `json:"Id"`
	Enable                *bool       `json:"Enable"`
	Type                  *string     `json:"Type"`
	URL                   *string     `json:"Url"`
	Authentication        string      `json:"Authentication"`
	Method                string      `json:"Method"`
	Delay                 int         `json:"Delay"`
	Timeout               *int        `json:"Timeout"`
	FieldMappingOverwrite bool        `json:"FieldMappingOverwrite"`
	FieldMapping          FieldMap    `json:"FieldMapping"`
	FieldValues           FieldValues `json:"FieldValues"`
}

// defaultFieldMapping is the DICOM payload mapping applied to the notify
// types (Ris, StoreServer) before any per-app overrides.
func defaultFieldMapping() FieldMap {
	m := FieldMap{
		"aeTitle":                       "RemoteAET",
		"ipAddress":                     "RemoteIP",
		"accessionNumber":               "AccessionNumber",
		"patientId":                     "PatientID",
		"patientName":                   "PatientName",
		"gender":                        "PatientSex",
		"patientSex":                    "PatientSex",
		"age":                           "PatientAge",
		"birthDate":                     "PatientBirthDate",
		"patientBirthDate":              "PatientBirthDate",
		"bodyPartExamined":              "BodyPartExamined",
		"description":                   "StudyDescription",
		"institutionName":               "InstitutionName",
		"studyDate":                     "StudyDate",
		"studyTime":                     "StudyTime",
		"studyInstanceUID":              "StudyInstanceUID",
		"manufacturerModelName":         "ManufacturerModelName",
		"modalityType":                  "Modality",
		"numOfImages":                   "CountInstances",
		"numOfSeries":                   "CountSeries",
		"operatorName":                  "OperatorsName",
		"referringPhysician":            "ReferringPhysicianName",
		"stationName":                   "StationName",
		"storeId":                       "StoreID",
		"storeNumOfStudies":             "CountStudies",
		"storeSize":                     "TotalDiskSizeMB",
		"publicStudyUID":                "PublicStudyUID",
		"studyNumOfSeries":              "CountSeries",
		"studyNumOfInstances":           "CountInstances",
		"studySize":                     "DicomDiskSizeMB",
		"modalitiesInStudy":             "ModalitiesInStudy",
		"numberOfStudyRelatedSeries":    "NumberOfStudyRelatedSeries",
		"numberOfStudyRelatedInstances": "NumberOfStudyRelatedInstances",
		"series":                        "series",
	}
	for key, field := range map[string]string{
		"seriesInstanceUID":                      "series_SeriesInstanceUID",
		"seriesDate":                             "series_SeriesDate",
		"seriesTime":                             "series_SeriesTime",
		"modality":                               "series_Modality",
		"manufacturer":                           "series_Manufacturer",
		"stationName":                            "series_StationName",
		"seriesDescription":                      "series_SeriesDescription",
		"bodyPartExamined":                       "series_BodyPartExamined",
		"sequenceName":                           "series_SequenceName",
		"protocolName":                           "series_ProtocolName",
		"seriesNumber":                           "series_SeriesNumber",
		"cardiacNumberOfImages":                  "series_CardiacNumberOfImages",
		"imagesInAcquisition":                    "series_ImagesInAcquisition",
		"numberOfTemporalPositions":              "series_NumberOfTemporalPositions",
		"numOfImages":                            "series_NumOfImages",
		"numOfSlices":                            "series_NumOfSlices",
		"numOfTimeSlices":                        "series_NumOfTimeSlices",
		"imageOrientationPatient":                "series_ImageOrientationPatient",
		"seriesType":                             "series_SeriesType",
		"operatorsName":                          "series_OperatorsName",
		"performedProcedureStepDescription":      "series_PerformedProcedureStepDescription",
		"acquisitionDeviceProcessingDescription": "series_AcquisitionDeviceProcessingDescription",
		"contrastBolusAgent":                     "series_ContrastBolusAgent",
	} {
		m["series_"+key] = field
	}
	return m
}

// Registry is the validated set of enabled apps, keyed by id.
type Registry struct {
	byID    map[string]*App
	ordered []*App
}

// NewRegistry validates and normalizes app documents. Entries missing a
// mandatory field are logged and skipped, as are disabled entries and
// duplicate ids (first wins).
func NewRegistry(docs []appDocument, log *zap.Logger) *Registry {
	r := &Registry{byID: make(map[string]*App, len(docs))}

	for _, doc := range docs {
		if doc.ID == nil || doc.Type == nil || doc.URL == nil || doc.Enable == nil {
			log.Error("app config missing mandatory field, skipping",
				zap.Bool("has_id", doc.ID != nil),
				zap.Bool("has_type", doc.Type != nil),
				zap.Bool("has_url", doc.URL != nil),
				zap.Bool("has_enable", doc.Enable != nil))
			continue
		}
		if !*doc.Enable {
			continue
		}
		if _, dup := r.byID[*doc.ID]; dup {
			log.Warn("duplicate app id, keeping first", zap.String("app_id", *doc.ID))
			continue
		}

		app := &App{
			ID:             *doc.ID,
			Type:           *doc.Type,
			URL:            *doc.URL,
			Authentication: doc.Authentication,
			Method:         normalizeMethod(doc.Method),
			DelaySeconds:   doc.Delay,
			TimeoutSeconds: 60,
			FieldMapping:   FieldMap{},
			FieldValues:    FieldValues{},
		}
		if doc.Timeout != nil {
			app.TimeoutSeconds = *doc.Timeout
		}

		if (app.Type == TypeRis || app.Type == TypeStoreServer) && !doc.FieldMappingOverwrite {
			app.FieldMapping = defaultFieldMapping()
		}
		for k, v := range doc.FieldMapping {
			app.FieldMapping[k] = v
		}
		for k, v := range doc.FieldValues {
			app.FieldValues[k] = v
		}

		r.byID[app.ID] = app
		r.ordered = append(r.ordered, app)
	}

	return r
}

func normalizeMethod(method string) string {
	switch strings.ToUpper(method) {
	case "GET":
		return "GET"
	case "PUT":
		return "PUT"
	case "DELETE":
		return "DELETE"
	default:
		return "POST"
	}
}

// LoadRegistry reads a JSON array of app documents from path.
func LoadRegistry(path string, log *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apps file: %w", err)
	}
	return ParseRegistry(data, log)
}

// ParseRegistry builds a Registry from a JSON array of app documents.
func ParseRegistry(data []byte, log *zap.Logger) (*Registry, error) {
	var docs []appDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse apps: %w", err)
	}
	return NewRegistry(docs, log), nil
}

// ByID returns the app with the given id. O(1).
func (r *Registry) ByID(id string) (*App, bool) {
	app, ok := r.byID[id]
	return app, ok
}

// Apps returns the enabled apps in document order.
func (r *Registry) Apps() []*App {
	return r.ordered
}
