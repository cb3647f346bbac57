package core

// error_messages.go maps technical errors to operator-facing messages with a
// code support staff can look up.
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate contact: the phone number already exists
//	DB002 - Unique constraint violated
//	DB003 - Foreign key: referenced operator, center or product does not exist
//	DB004 - Connection refused
//	DB005 - Connection reset
//	DB006 - Timeout
//	DB007 - Deadlock
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - No usable phone number on the record
//	VAL002 - Invalid postal code
//	VAL003 - Invalid contact reference
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE002 - Unsupported format
//	FILE003 - Unreadable file
//	FILE004 - No file in the request
//	FILE005 - Empty file
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Too many imports running
//	IMP002 - Import handle expired or unknown
//	IMP003 - Report expired or unknown
//	IMP004 - Request cancelled
//	IMP005 - Request timed out
//
// # Request Errors (REQ001)
//
//	REQ001 - Malformed request body
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Too many requests
//
// # Default Error (ERR000)
//
// Fallback when nothing matches; the technical error is in the logs.
//
// Sentinel and typed errors are matched first with errors.Is/errors.As, then
// the error text is matched case-insensitively against known patterns. The
// first match wins.

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

var (
	msgDuplicate = UserMessage{
		Message: "Ce numéro de téléphone existe déjà",
		Action:  "Consultez le rapport des fiches non importées",
		Code:    "DB001",
	}
	msgNoPhone = UserMessage{
		Message: "Aucun numéro de téléphone valide",
		Action:  "Renseignez au moins un numéro (tel, gsm1 ou gsm2)",
		Code:    "VAL001",
	}
	msgInvalidPostal = UserMessage{
		Message: "Code postal invalide",
		Action:  "Utilisez un code postal à 5 chiffres",
		Code:    "VAL002",
	}
	msgInvalidReference = UserMessage{
		Message: "Référence de fiche invalide",
		Action:  "Vérifiez le lien utilisé",
		Code:    "VAL003",
	}
	msgFileTooLarge = UserMessage{
		Message: "Le fichier dépasse la taille maximale autorisée",
		Action:  "Découpez le fichier en plusieurs parties",
		Code:    "FILE001",
	}
	msgUnsupported = UserMessage{
		Message: "Format de fichier non pris en charge",
		Action:  "Utilisez un fichier CSV, XLSX, JSON ou NDJSON",
		Code:    "FILE002",
	}
	msgUnreadable = UserMessage{
		Message: "Le fichier n'a pas pu être lu",
		Action:  "Vérifiez que le fichier n'est pas corrompu",
		Code:    "FILE003",
	}
	msgEmptyFile = UserMessage{
		Message: "Le fichier est vide",
		Action:  "Importez un fichier contenant au moins une fiche",
		Code:    "FILE005",
	}
	msgTooManyImports = UserMessage{
		Message: "Trop d'imports sont en cours",
		Action:  "Patientez quelques instants puis réessayez",
		Code:    "IMP001",
	}
	msgHandleNotFound = UserMessage{
		Message: "Import introuvable ou expiré",
		Action:  "Chargez à nouveau le fichier",
		Code:    "IMP002",
	}
	msgReportNotFound = UserMessage{
		Message: "Rapport introuvable ou expiré",
		Action:  "Relancez l'import pour générer un nouveau rapport",
		Code:    "IMP003",
	}
	msgCancelled = UserMessage{
		Message: "La requête a été annulée",
		Action:  "Réessayez",
		Code:    "IMP004",
	}
	msgDeadline = UserMessage{
		Message: "La requête a expiré",
		Action:  "Réessayez avec un fichier plus petit",
		Code:    "IMP005",
	}
)

// errorSentinels are matched with errors.Is before any pattern.
var errorSentinels = []struct {
	target error
	msg    UserMessage
}{
	{ErrDuplicateContact, msgDuplicate},
	{ErrFileTooLarge, msgFileTooLarge},
	{ErrEmptyPayload, msgEmptyFile},
	{ErrUnsupportedFormat, msgUnsupported},
	{ErrTooManyImports, msgTooManyImports},
	{ErrHandleNotFound, msgHandleNotFound},
	{ErrReportNotFound, msgReportNotFound},
	{ErrInvalidReference, msgInvalidReference},
	{ErrReferenceMismatch, msgInvalidReference},
	{context.Canceled, msgCancelled},
	{context.DeadlineExceeded, msgDeadline},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user messages.
// Specific patterns come before general ones.
var errorPatterns = []errorPattern{
	// Database constraints
	{"duplicate key", msgDuplicate},
	{"unique constraint", UserMessage{
		Message: "Cette valeur doit être unique mais existe déjà",
		Action:  "Vérifiez les doublons dans votre fichier",
		Code:    "DB002",
	}},
	{"violates foreign key", UserMessage{
		Message: "Opérateur, centre ou produit inconnu",
		Action:  "Vérifiez les valeurs par défaut de l'import",
		Code:    "DB003",
	}},

	// Database connectivity
	{"connection refused", UserMessage{
		Message: "Connexion à la base de données impossible",
		Action:  "Réessayez dans quelques instants",
		Code:    "DB004",
	}},
	{"connection reset", UserMessage{
		Message: "La connexion à la base de données a été interrompue",
		Action:  "Réessayez",
		Code:    "DB005",
	}},
	{"timeout", UserMessage{
		Message: "L'opération a expiré",
		Action:  "Réessayez plus tard ou avec un fichier plus petit",
		Code:    "DB006",
	}},
	{"deadlock", UserMessage{
		Message: "La base de données est occupée",
		Action:  "Réessayez",
		Code:    "DB007",
	}},

	// Files
	{"file too large", msgFileTooLarge},
	{"request body too large", msgFileTooLarge},
	{"no file provided", UserMessage{
		Message: "Aucun fichier sélectionné",
		Action:  "Sélectionnez un fichier à importer",
		Code:    "FILE004",
	}},
	{"empty file", msgEmptyFile},

	// Requests
	{"invalid request body", UserMessage{
		Message: "Requête invalide",
		Action:  "Vérifiez la correspondance des colonnes et l'identifiant d'import",
		Code:    "REQ001",
	}},

	// Rate limiting
	{"rate limit", UserMessage{
		Message: "Trop de requêtes",
		Action:  "Patientez avant de réessayer",
		Code:    "RATE001",
	}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "Une erreur inattendue s'est produite",
	Action:  "Réessayez ou contactez le support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, s := range errorSentinels {
		if errors.Is(err, s.target) {
			return s.msg
		}
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		if verr.Code == CodeInvalidPostalCode {
			return msgInvalidPostal
		}
		return msgNoPhone
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	var perr *ParseError
	if errors.As(err, &perr) {
		return msgUnreadable
	}

	return defaultMessage
}

// FormatUserError formats err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
