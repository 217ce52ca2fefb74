// Package i18n translates user-facing server messages to the product locale
// (French). Internal log messages stay in English; only strings that reach a
// client pass through T.
package i18n

import "strings"

var translations = map[string]string{
	"invalid request":                           "Requête invalide",
	"unauthorized":                              "Accès non autorisé",
	"missing authorization token":               "Jeton d'authentification manquant",
	"invalid token":                             "Jeton invalide",
	"user not found":                            "Utilisateur introuvable",
	"conversation not found":                    "Conversation introuvable",
	"message not found":                         "Message introuvable",
	"not a participant":                         "Vous ne participez pas à cette conversation",
	"cannot start a conversation with yourself": "Impossible de démarrer une conversation avec vous-même",
	"other user not found":                      "L'autre utilisateur est introuvable",
	"failed to create conversation":             "Erreur lors de la création de la conversation",
	"failed to fetch conversations":             "Erreur lors du chargement des conversations",
	"failed to fetch conversation":              "Erreur lors du chargement de la conversation",
	"failed to fetch messages":                  "Erreur lors du chargement des messages",
	"failed to update message":                  "Erreur lors de la mise à jour du message",
	"invalid conversation id":                   "Identifiant de conversation invalide",
	"invalid message id":                        "Identifiant de message invalide",
	"message needs content or an attachment":    "Le message doit contenir du texte ou une pièce jointe",
	"failed to save message":                    "Erreur lors de l'enregistrement du message",
	"join the conversation first":               "Rejoignez d'abord la conversation",
	"websocket upgrade failed":                  "Erreur lors de la connexion temps réel",
	"rate limiter error":                        "Erreur du limiteur de requêtes",
	"rate limit exceeded":                       "Trop de requêtes, veuillez réessayer plus tard",
	"internal server error":                     "Erreur interne du serveur",
	"not found":                                 "Introuvable",
	"username already exists":                   "Ce nom d'utilisateur est déjà pris",
	"invalid username or password":              "Nom d'utilisateur ou mot de passe incorrect",
	"push is not configured":                    "Les notifications push ne sont pas configurées",
	"invalid subscription":                      "Abonnement aux notifications invalide",
}

var prefixTranslations = map[string]string{
	"username must be":           "Le nom d'utilisateur doit contenir entre 3 et 32 caractères",
	"username can only contain":  "Le nom d'utilisateur ne peut contenir que des lettres, chiffres et tirets bas",
	"password must be":           "Le mot de passe doit contenir au moins 6 caractères",
	"failed to hash password:":   "Erreur lors du traitement du mot de passe",
	"failed to register user:":   "Erreur lors de l'inscription",
	"failed to query user:":      "Erreur lors de la récupération de l'utilisateur",
	"failed to generate token:":  "Erreur lors de la génération du jeton",
	"failed to parse token:":     "Jeton invalide",
	"unexpected signing method:": "Méthode de signature du jeton invalide",
}

// T returns the translation of message, or message unchanged when none
// exists.
func T(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
