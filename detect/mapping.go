package detect

import "strings"

// moduleToPackage maps top-level import names to the distribution that
// provides them. Standard library modules are deliberately absent.
var moduleToPackage = map[string]string{
	"aiohttp":         "aiohttp",
	"anthropic":       "anthropic",
	"attr":            "attrs",
	"attrs":           "attrs",
	"boto3":           "boto3",
	"botocore":        "botocore",
	"bs4":             "beautifulsoup4",
	"celery":          "celery",
	"click":           "click",
	"cv2":             "opencv-python",
	"dateutil":        "python-dateutil",
	"django":          "Django",
	"docx":            "python-docx",
	"dotenv":          "python-dotenv",
	"fastapi":         "fastapi",
	"flask":           "Flask",
	"gi":              "PyGObject",
	"grpc":            "grpcio",
	"h5py":            "h5py",
	"httpx":           "httpx",
	"jinja2":          "Jinja2",
	"jose":            "python-jose",
	"jwt":             "PyJWT",
	"lxml":            "lxml",
	"magic":           "python-magic",
	"markdown":        "Markdown",
	"matplotlib":      "matplotlib",
	"MySQLdb":         "mysqlclient",
	"networkx":        "networkx",
	"nltk":            "nltk",
	"numpy":           "numpy",
	"openai":          "openai",
	"openpyxl":        "openpyxl",
	"pandas":          "pandas",
	"PIL":             "Pillow",
	"plotly":          "plotly",
	"psutil":          "psutil",
	"psycopg2":        "psycopg2-binary",
	"pydantic":        "pydantic",
	"pygments":        "Pygments",
	"pymongo":         "pymongo",
	"pytest":          "pytest",
	"redis":           "redis",
	"requests":        "requests",
	"rich":            "rich",
	"scipy":           "scipy",
	"seaborn":         "seaborn",
	"serial":          "pyserial",
	"six":             "six",
	"skimage":         "scikit-image",
	"sklearn":         "scikit-learn",
	"sqlalchemy":      "SQLAlchemy",
	"starlette":       "starlette",
	"telegram":        "python-telegram-bot",
	"tensorflow":      "tensorflow",
	"toml":            "toml",
	"torch":           "torch",
	"torchaudio":      "torchaudio",
	"torchvision":     "torchvision",
	"tqdm":            "tqdm",
	"transformers":    "transformers",
	"typer":           "typer",
	"ujson":           "ujson",
	"urllib3":         "urllib3",
	"uvicorn":         "uvicorn",
	"websocket":       "websocket-client",
	"websockets":      "websockets",
	"win32api":        "pywin32",
	"yaml":            "PyYAML",
	"zmq":             "pyzmq",
	"Crypto":          "pycryptodome",
	"OpenSSL":         "pyOpenSSL",
	"googleapiclient": "google-api-python-client",
}

// PackageForModule returns the distribution providing the top-level module
// of an import path such as "sklearn.linear_model".
func PackageForModule(module string) (string, bool) {
	top, _, _ := strings.Cut(module, ".")
	pkg, ok := moduleToPackage[top]
	return pkg, ok
}
